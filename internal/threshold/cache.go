// Package threshold implements the Threshold Configuration Cache (C1): an
// in-memory, copy-on-write snapshot of per-component, per-package, and
// per-app-category I/O write thresholds and safe-to-kill sets.
//
// set() fully replaces the snapshot atomically via a pointer swap; readers
// (FetchThreshold, IsSafeToKill, VendorPrefixes) take the read lock only
// long enough to copy the pointer, then operate lock-free against their
// borrowed, immutable snapshot.
package threshold

import (
	"sync"

	"github.com/ioverseer/ioverseer/internal/model"
)

// snapshot is the immutable configuration state swapped in by Set. Never
// mutated after construction.
type snapshot struct {
	byComponent map[model.ComponentType]model.OveruseConfiguration
}

// Cache is the Threshold Configuration Cache (C1).
type Cache struct {
	mu   sync.RWMutex
	snap *snapshot
}

// New creates an empty Cache (no configured rules; every query falls
// through to DEFAULT_THRESHOLD / the permissive is-safe-to-kill rule for
// ThirdParty until Set is called).
func New() *Cache {
	return &Cache{snap: &snapshot{byComponent: map[model.ComponentType]model.OveruseConfiguration{}}}
}

// Set fully replaces the snapshot. After return, any subsequent
// FetchThreshold/IsSafeToKill/VendorPrefixes call reflects only the new
// configs.
func (c *Cache) Set(configs []model.OveruseConfiguration) {
	next := &snapshot{byComponent: make(map[model.ComponentType]model.OveruseConfiguration, len(configs))}
	for _, cfg := range configs {
		next.byComponent[cfg.ComponentType] = cfg.Clone()
	}
	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()
}

// Get returns a defensive copy of the stored configuration for a
// component, used by getResourceOveruseConfigurations' daemon round-trip
// and by the operator introspection dump.
func (c *Cache) Get(componentType model.ComponentType) (model.OveruseConfiguration, bool) {
	s := c.current()
	cfg, ok := s.byComponent[componentType]
	if !ok {
		return model.OveruseConfiguration{}, false
	}
	return cfg.Clone(), true
}

// All returns defensive copies of every configured component's record.
func (c *Cache) All() []model.OveruseConfiguration {
	s := c.current()
	out := make([]model.OveruseConfiguration, 0, len(s.byComponent))
	for _, cfg := range s.byComponent {
		out = append(out, cfg.Clone())
	}
	return out
}

func (c *Cache) current() *snapshot {
	c.mu.RLock()
	s := c.snap
	c.mu.RUnlock()
	return s
}

// FetchThreshold implements the four-step precedence contract:
//  1. package-specific threshold for (genericPackageName, componentType) if
//     componentType is System or Vendor,
//  2. else category threshold if the package is listed under MAPS/MEDIA,
//  3. else the component-level threshold for componentType,
//  4. else model.DefaultThreshold.
//
// The returned PerStateBytes is always a defensive copy.
func (c *Cache) FetchThreshold(genericPackageName string, componentType model.ComponentType) model.PerStateBytes {
	s := c.current()
	cfg, ok := s.byComponent[componentType]
	if !ok {
		return model.DefaultThreshold.Clone()
	}

	if componentType == model.ComponentSystem || componentType == model.ComponentVendor {
		if t, ok := cfg.PackageSpecificThreshold[genericPackageName]; ok {
			return t.Clone()
		}
	}

	if cat, ok := cfg.VendorPackageCategories[genericPackageName]; ok {
		if t, ok := cfg.CategorySpecificThreshold[cat]; ok {
			return t.Clone()
		}
	}

	// A record existing for this componentType always carries a
	// component-level threshold, even if explicitly configured as
	// all-zero, so step 3 is unconditional once cfg was found above.
	return cfg.ComponentLevelThreshold.Clone()
}

// IsSafeToKill implements the componentType-dependent safe-to-kill rule:
//   - ThirdParty: always true.
//   - System: the package or any shared-uid member is in the system
//     safe-to-kill set.
//   - Vendor: same, checked against both the vendor and system safe-to-kill
//     sets (shared-uid vendor attribution may hide system members).
func (c *Cache) IsSafeToKill(genericPackageName string, componentType model.ComponentType, sharedPackages []string) bool {
	if componentType == model.ComponentThirdParty {
		return true
	}

	s := c.current()

	members := append([]string{genericPackageName}, sharedPackages...)

	if componentType == model.ComponentSystem {
		systemCfg, ok := s.byComponent[model.ComponentSystem]
		if !ok {
			return false
		}
		return anyInSet(members, systemCfg.SafeToKillPackages)
	}

	if componentType == model.ComponentVendor {
		if vendorCfg, ok := s.byComponent[model.ComponentVendor]; ok && anyInSet(members, vendorCfg.SafeToKillPackages) {
			return true
		}
		if systemCfg, ok := s.byComponent[model.ComponentSystem]; ok && anyInSet(members, systemCfg.SafeToKillPackages) {
			return true
		}
		return false
	}

	return false
}

func anyInSet(names []string, set map[string]struct{}) bool {
	for _, n := range names {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// VendorPrefixes returns a copy of the configured vendor package-name
// prefix list, consulted by the classifier when deciding System vs Vendor
// for flagged-Product/SystemExt packages.
func (c *Cache) VendorPrefixes() []string {
	s := c.current()
	cfg, ok := s.byComponent[model.ComponentVendor]
	if !ok {
		return nil
	}
	return append([]string(nil), cfg.VendorPackagePrefixes...)
}
