// Package model holds the data types shared across every ioverseer
// component: the sum types from the design notes (ComponentType,
// ApplicationCategory, KillableState, OveruseActionKind, Tier) and the
// PerStateBytes/UserPackage/DailyIoUsage/ClientRegistration/
// OveruseConfiguration entities of the data model.
package model

import "fmt"

// ComponentType is the policy class of a package, derived from installation
// flags and shared-uid membership. A tagged union, not a bare int.
type ComponentType uint8

const (
	ComponentUnknown ComponentType = iota
	ComponentSystem
	ComponentVendor
	ComponentThirdParty
)

func (c ComponentType) String() string {
	switch c {
	case ComponentSystem:
		return "System"
	case ComponentVendor:
		return "Vendor"
	case ComponentThirdParty:
		return "ThirdParty"
	case ComponentUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("ComponentType(%d)", uint8(c))
	}
}

// restrictiveness orders component types for the shared-uid collapse rule:
// Vendor > System > ThirdParty > Unknown.
var restrictiveness = map[ComponentType]int{
	ComponentVendor:     3,
	ComponentSystem:     2,
	ComponentThirdParty: 1,
	ComponentUnknown:    0,
}

// MostRestrictive collapses a set of per-member component types to the
// single most restrictive one, per the shared-uid rule in the classifier
// design (vendor presence dominates kill policy for the whole uid).
func MostRestrictive(types []ComponentType) ComponentType {
	best := ComponentUnknown
	bestScore := -1
	for _, t := range types {
		if s := restrictiveness[t]; s > bestScore {
			bestScore = s
			best = t
		}
	}
	return best
}

// ApplicationCategory is a vendor-only package grouping used for
// category-level thresholds.
type ApplicationCategory uint8

const (
	CategoryNone ApplicationCategory = iota
	CategoryMaps
	CategoryMedia
)

func (c ApplicationCategory) String() string {
	switch c {
	case CategoryMaps:
		return "MAPS"
	case CategoryMedia:
		return "MEDIA"
	default:
		return "NONE"
	}
}

// KillableState is whether a package may be terminated on resource overuse.
type KillableState uint8

const (
	// KillableYes and KillableNo are user-choice driven, defaulting to Yes.
	KillableYes KillableState = iota
	KillableNo
	// KillableNever is daemon-enforced (killableOnOveruse=false) and sticky
	// until the daemon reports the package safe-to-kill again.
	KillableNever
)

func (k KillableState) String() string {
	switch k {
	case KillableYes:
		return "Yes"
	case KillableNo:
		return "No"
	case KillableNever:
		return "Never"
	default:
		return fmt.Sprintf("KillableState(%d)", uint8(k))
	}
}

// OveruseActionKind is the decision an ingestion round reaches for a
// package whose remaining write budget is exhausted.
type OveruseActionKind uint8

const (
	ActionNotKilled OveruseActionKind = iota
	ActionNotKilledUserOpted
	ActionKilled
	ActionKilledRecurringOveruse
)

func (a OveruseActionKind) String() string {
	switch a {
	case ActionNotKilled:
		return "NOT_KILLED"
	case ActionNotKilledUserOpted:
		return "NOT_KILLED_USER_OPTED"
	case ActionKilled:
		return "KILLED"
	case ActionKilledRecurringOveruse:
		return "KILLED_RECURRING_OVERUSE"
	default:
		return fmt.Sprintf("OveruseActionKind(%d)", uint8(a))
	}
}

// Tier governs health-check cadence.
type Tier uint8

const (
	TierCritical Tier = iota
	TierModerate
	TierNormal
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "Critical"
	case TierModerate:
		return "Moderate"
	case TierNormal:
		return "Normal"
	default:
		return fmt.Sprintf("Tier(%d)", uint8(t))
	}
}

// ParseTier converts a tier name to its Tier value, for config/CLI input.
func ParseTier(name string) (Tier, bool) {
	switch name {
	case "Critical":
		return TierCritical, true
	case "Moderate":
		return TierModerate, true
	case "Normal":
		return TierNormal, true
	default:
		return 0, false
	}
}

// PerStateBytes is a triple of non-negative 64-bit write-byte counts for
// the three power states. Arithmetic saturates at the 64-bit maximum —
// sums never wrap.
type PerStateBytes struct {
	Foreground uint64
	Background uint64
	GarageMode uint64
}

// MaxUint64 is used to build DefaultThreshold and as the saturation clamp.
const MaxUint64 = ^uint64(0)

// DefaultThreshold is the sentinel returned by the threshold cache when no
// configured rule matches a package.
var DefaultThreshold = PerStateBytes{Foreground: MaxUint64, Background: MaxUint64, GarageMode: MaxUint64}

// Clone returns a defensive copy. PerStateBytes has no reference fields so
// a plain struct copy already prevents aliasing; the explicit method keeps
// that guarantee enforced by the type instead of by caller discipline.
func (p PerStateBytes) Clone() PerStateBytes { return p }

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return MaxUint64
	}
	return sum
}

// Add returns the element-wise saturating sum of p and o.
func (p PerStateBytes) Add(o PerStateBytes) PerStateBytes {
	return PerStateBytes{
		Foreground: saturatingAdd(p.Foreground, o.Foreground),
		Background: saturatingAdd(p.Background, o.Background),
		GarageMode: saturatingAdd(p.GarageMode, o.GarageMode),
	}
}

// AnyZero reports whether any of the three states has been fully
// exhausted — the overuse-detection trigger in the ingestion pipeline.
func (p PerStateBytes) AnyZero() bool {
	return p.Foreground == 0 || p.Background == 0 || p.GarageMode == 0
}

// IsZero reports whether all three states are zero (the empty value).
func (p PerStateBytes) IsZero() bool {
	return p.Foreground == 0 && p.Background == 0 && p.GarageMode == 0
}
