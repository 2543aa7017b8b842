// Package classifier implements the Package Classifier (C2): given a
// numeric user-scoped identifier ("uid"), resolves a generic package name,
// a ComponentType, and (for shared uids) the set of packages sharing that
// uid.
package classifier

import (
	"fmt"
	"sync"

	"github.com/ioverseer/ioverseer/internal/model"
)

// InstallFlags mirrors the platform package manager's installation flags
// consulted when deriving a package's ComponentType. This is the
// Non-goal package-manager boundary, modeled as plain data rather than
// the manager itself.
type InstallFlags struct {
	PrivateOEM    bool
	PrivateVendor bool
	PrivateODM    bool

	PublicSystem        bool
	PublicUpdatedSystem bool
	PrivateProduct      bool
	PrivateSystemExt    bool
}

// PackageInfoSource is the external collaborator interface standing in for
// the platform package manager (a spec Non-goal). Implementations resolve
// uids to their member package names and package names to install flags.
type PackageInfoSource interface {
	// PackageNamesForUID returns every package name sharing the given uid,
	// within the given userID's scope. A non-shared uid returns a single
	// name. Returns ok=false if the uid is unknown to the source.
	PackageNamesForUID(userID int32, uid int32) (names []string, ok bool)

	// Flags returns the install flags for a single package name. Returns
	// ok=false if the package is not found (classifier maps this to
	// model.ComponentUnknown).
	Flags(userID int32, packageName string) (InstallFlags, bool)
}

type cacheEntry struct {
	genericPackageName string
	componentType      model.ComponentType
	memberPackages     []string
}

// Classifier is the Package Classifier (C2). A uid→result cache reduces
// repeated external lookups; entries are filled on first miss and never
// evicted during a boot, matching the design's "fresh classifier per
// daemon restart" contract.
type Classifier struct {
	source PackageInfoSource

	mu    sync.Mutex
	cache map[int64]cacheEntry // key: (userID<<32 | uint32(uid))
}

// New creates a Classifier backed by the given PackageInfoSource.
func New(source PackageInfoSource) *Classifier {
	return &Classifier{source: source, cache: make(map[int64]cacheEntry)}
}

func cacheKey(userID, uid int32) int64 {
	return int64(userID)<<32 | int64(uint32(uid))
}

// Resolve returns the generic package name, ComponentType, and (for shared
// uids) the member package list for a uid. componentType() in the design
// is folded into this single call since both derive from the same
// member-enumeration round trip. vendorPrefixes is the threshold cache's
// current vendor-package-name-prefix list, consulted for
// Product/SystemExt-flagged packages. The first resolution for a given
// uid wins and is cached for the rest of the boot, per the design's
// cache-never-evicted rule.
func (c *Classifier) Resolve(userID, uid int32, vendorPrefixes []string) (genericPackageName string, componentType model.ComponentType, memberPackages []string, err error) {
	key := cacheKey(userID, uid)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return entry.genericPackageName, entry.componentType, entry.memberPackages, nil
	}
	c.mu.Unlock()

	names, ok := c.source.PackageNamesForUID(userID, uid)
	if !ok || len(names) == 0 {
		return "", model.ComponentUnknown, nil, fmt.Errorf("classifier: no package mapping for uid %d (user %d)", uid, userID)
	}

	var generic string
	var result model.ComponentType
	if len(names) == 1 {
		generic = names[0]
		result = c.componentTypeForPackage(userID, names[0], vendorPrefixes)
	} else {
		generic = fmt.Sprintf("shared:%d", uid)
		types := make([]model.ComponentType, 0, len(names))
		for _, n := range names {
			types = append(types, c.componentTypeForPackage(userID, n, vendorPrefixes))
		}
		result = model.MostRestrictive(types)
	}

	entry := cacheEntry{genericPackageName: generic, componentType: result, memberPackages: names}
	c.mu.Lock()
	c.cache[key] = entry
	c.mu.Unlock()

	return generic, result, names, nil
}

// componentTypeForPackage implements the first-match-wins flag rule:
//  1. private flags {OEM, VENDOR, ODM} -> Vendor.
//  2. public System/Updated-System, or private Product/SystemExt: check
//     vendorPrefixes; any prefix match -> Vendor, else System.
//  3. anything else -> ThirdParty. On not-found -> Unknown.
func (c *Classifier) componentTypeForPackage(userID int32, packageName string, vendorPrefixes []string) model.ComponentType {
	flags, ok := c.source.Flags(userID, packageName)
	if !ok {
		return model.ComponentUnknown
	}

	if flags.PrivateOEM || flags.PrivateVendor || flags.PrivateODM {
		return model.ComponentVendor
	}

	if flags.PublicSystem || flags.PublicUpdatedSystem || flags.PrivateProduct || flags.PrivateSystemExt {
		if hasAnyPrefix(packageName, vendorPrefixes) {
			return model.ComponentVendor
		}
		return model.ComponentSystem
	}

	return model.ComponentThirdParty
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}
