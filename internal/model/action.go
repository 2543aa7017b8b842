package model

import (
	"time"

	"github.com/google/uuid"
)

// PackageIoOveruseStats is one entry of a daemon stats push — the
// ingestion input of the overuse accounting engine.
type PackageIoOveruseStats struct {
	UID                 int32
	UserID              int32
	ShouldNotify        bool
	KillableOnOveruse   bool
	WrittenBytes        PerStateBytes
	RemainingWriteBytes PerStateBytes
	TotalOveruses       int64
	StartTime           time.Time
	DurationInSeconds   int64
}

// OveruseAction is one entry of the pending action queue drained to the
// daemon via actionTakenOnResourceOveruse. ID and RecordedAt are not part
// of the original contract; they exist so the daemon-facing report and the
// introspection dump carry a stable, orderable identifier.
type OveruseAction struct {
	ID                 uuid.UUID
	UserID             int32
	GenericPackageName string
	Kind               OveruseActionKind
	MemberPackages     []string
	RecordedAt         time.Time
}

// NewOveruseAction stamps a fresh ID/RecordedAt onto an action record.
func NewOveruseAction(userID int32, genericPackageName string, kind OveruseActionKind, members []string) OveruseAction {
	return OveruseAction{
		ID:                 uuid.New(),
		UserID:             userID,
		GenericPackageName: genericPackageName,
		Kind:               kind,
		MemberPackages:     members,
		RecordedAt:         time.Now().UTC(),
	}
}

// PackageInfo describes one package as reported by the package classifier's
// external collaborator (the Non-goal package-manager boundary).
type PackageInfo struct {
	PackageName   string
	ComponentType ComponentType
	// EnabledState mirrors the platform's package-enabled-setting sum type.
	EnabledState EnabledState
}

// EnabledState is the platform's package enable/disable setting, relevant
// to the disable/restore dance in the notify/forgive interplay.
type EnabledState uint8

const (
	EnabledStateDefault EnabledState = iota
	EnabledStateEnabled
	EnabledStateDisabled
	EnabledStateDisabledUser
	EnabledStateDisabledUntilUsed
)

func (e EnabledState) String() string {
	switch e {
	case EnabledStateEnabled:
		return "enabled"
	case EnabledStateDisabled:
		return "disabled"
	case EnabledStateDisabledUser:
		return "disabled-user"
	case EnabledStateDisabledUntilUsed:
		return "disabled-until-used"
	default:
		return "default"
	}
}

// IsDisabled reports whether the state is any of the three disabled
// variants the action decision table treats as "already disabled".
func (e EnabledState) IsDisabled() bool {
	return e == EnabledStateDisabled || e == EnabledStateDisabledUser || e == EnabledStateDisabledUntilUsed
}
