// Package accounting implements the Overuse Accounting Engine (C4): it
// ingests daemon I/O-stats pushes, maintains the in-memory per-package
// running usage map, decides notify/forgive/kill outcomes against the
// threshold cache, manages the killable-state lifecycle, and coordinates
// date rollover and listener dispatch.
package accounting

import (
	"context"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/storage"
)

// PackageResolver is the Package Classifier (C2) capability this engine
// depends on, expressed as an interface so tests can supply a fake.
type PackageResolver interface {
	Resolve(userID, uid int32, vendorPrefixes []string) (genericPackageName string, componentType model.ComponentType, memberPackages []string, err error)
}

// ThresholdSource is the Threshold Configuration Cache (C1) capability.
type ThresholdSource interface {
	FetchThreshold(genericPackageName string, componentType model.ComponentType) model.PerStateBytes
	IsSafeToKill(genericPackageName string, componentType model.ComponentType, sharedPackages []string) bool
	Set(configs []model.OveruseConfiguration)
	Get(componentType model.ComponentType) (model.OveruseConfiguration, bool)
	All() []model.OveruseConfiguration
	VendorPrefixes() []string
}

// StatsStore is the subset of the Persistent Stats Store (C3) the engine
// drives directly.
type StatsStore interface {
	LoadAllSettings() ([]model.UserPackage, map[int64]model.KillableState, error)
	SaveUserPackageSettings(entries []storage.SettingsEntry) (map[model.UserPackage]int64, error)
	GetTodayIoUsageStats(todayEpoch int64) (map[int64]model.DailyIoUsage, error)
	SaveIoUsageStats(entries []model.DailyIoUsage, todayEpoch int64, checkRetention bool) error
	GetNotForgivenHistoricalIoOveruses(todayEpoch int64, numDaysAgo int) (map[int64]int64, error)
	ForgiveHistoricalOveruses(rowIDs []int64, todayEpoch int64, numDaysAgo int) error
	GetHistoricalIoOveruseStats(rowID int64, todayEpoch int64, numDaysAgo int) (*storage.HistoricalOveruseStats, error)
	InvalidateTodayCache()
	ShrinkDatabase(todayEpoch int64, retentionDays int) error
	GetDailySystemIoUsageSummaries(from, to int64) ([]model.DailySystemIoUsageSummary, error)
	GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to int64) ([]model.UserPackageDailyIoUsageSummary, error)
}

// DaemonLink is the Daemon Liaison (C6) capability the engine depends on
// for configuration round-trips and action reports. Every method is a
// potentially blocking RPC; the engine never holds its usage lock across
// one of these calls.
type DaemonLink interface {
	IsConnected(ctx context.Context) (bool, error)
	GetResourceOveruseConfigurations(ctx context.Context) ([]model.OveruseConfiguration, error)
	UpdateResourceOveruseConfigurations(ctx context.Context, configs []model.OveruseConfiguration) error
	ActionTakenOnResourceOveruse(ctx context.Context, actions []model.OveruseAction) error
}

// PackageManager stands in for the platform package manager (a spec
// Non-goal), exposing only the enable/disable surface the action
// decision table and killable-state API require.
type PackageManager interface {
	EnabledState(userID int32, packageName string) (model.EnabledState, error)
	SetEnabledState(userID int32, packageName string, state model.EnabledState) error
	InstalledPackages(userID int32) ([]int32, error) // uids installed for this user
	LiveUsers() []int32
}

// RecurringOverusePredicateFunc decides, from the not-forgiven overuse
// count accumulated over the configured window, whether a package should
// be treated as a recurring overuser. Pluggable per the design's Open
// Question: the source left this undefined beyond "return false".
type RecurringOverusePredicateFunc func(notForgivenOveruses int64, minCount int) bool

// DefaultRecurringOverusePredicate treats at least minCount not-forgiven
// overuses within the configured window as recurring.
func DefaultRecurringOverusePredicate(notForgivenOveruses int64, minCount int) bool {
	return notForgivenOveruses >= int64(minCount)
}
