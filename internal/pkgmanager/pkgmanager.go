// Package pkgmanager is a concrete in-memory stand-in for the platform
// package manager — a spec Non-goal boundary. It satisfies both
// classifier.PackageInfoSource and accounting.PackageManager, and is
// populated through UpdateUIDMembership, UpdatePackageInfo and
// SetLiveUsers. No code path in this repository feeds it from the
// daemon's getPackageInfosForUids data.
package pkgmanager

import (
	"sync"

	"github.com/ioverseer/ioverseer/internal/classifier"
	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

type userPackageKey struct {
	userID      int32
	packageName string
}

// Registry is the in-memory package identity/enablement table.
type Registry struct {
	mu sync.RWMutex

	namesByUID map[int64][]string // cacheKey(userID,uid) -> member package names
	flags      map[userPackageKey]classifier.InstallFlags
	enabled    map[userPackageKey]model.EnabledState
	installed  map[int32][]int32 // userID -> installed uids
	liveUsers  map[int32]struct{}
}

// New creates an empty Registry. Callers must populate it via Update*
// methods as the daemon reports package identity information.
func New() *Registry {
	return &Registry{
		namesByUID: make(map[int64][]string),
		flags:      make(map[userPackageKey]classifier.InstallFlags),
		enabled:    make(map[userPackageKey]model.EnabledState),
		installed:  make(map[int32][]int32),
		liveUsers:  make(map[int32]struct{}),
	}
}

func cacheKey(userID, uid int32) int64 {
	return int64(userID)<<32 | int64(uint32(uid))
}

// UpdateUIDMembership records which package names share uid for userID, in
// response to a getPackageInfosForUids round trip.
func (r *Registry) UpdateUIDMembership(userID, uid int32, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namesByUID[cacheKey(userID, uid)] = append([]string(nil), names...)
	r.installed[userID] = appendUnique(r.installed[userID], uid)
}

// UpdatePackageInfo records a single package's install flags and enabled
// state for userID.
func (r *Registry) UpdatePackageInfo(userID int32, packageName string, flags classifier.InstallFlags, enabled model.EnabledState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userPackageKey{userID, packageName}
	r.flags[key] = flags
	r.enabled[key] = enabled
}

// SetLiveUsers replaces the set of currently alive user ids.
func (r *Registry) SetLiveUsers(userIDs []int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveUsers = make(map[int32]struct{}, len(userIDs))
	for _, u := range userIDs {
		r.liveUsers[u] = struct{}{}
	}
}

// PackageNamesForUID implements classifier.PackageInfoSource.
func (r *Registry) PackageNamesForUID(userID int32, uid int32) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, ok := r.namesByUID[cacheKey(userID, uid)]
	return names, ok
}

// Flags implements classifier.PackageInfoSource.
func (r *Registry) Flags(userID int32, packageName string) (classifier.InstallFlags, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flags[userPackageKey{userID, packageName}]
	return f, ok
}

// EnabledState implements accounting.PackageManager.
func (r *Registry) EnabledState(userID int32, packageName string) (model.EnabledState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.enabled[userPackageKey{userID, packageName}]
	if !ok {
		return model.EnabledStateDefault, werror.New(werror.KindNotFound, "pkgmanager.EnabledState", "package not known to registry")
	}
	return state, nil
}

// SetEnabledState implements accounting.PackageManager.
func (r *Registry) SetEnabledState(userID int32, packageName string, state model.EnabledState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userPackageKey{userID, packageName}
	if _, ok := r.enabled[key]; !ok {
		return werror.New(werror.KindNotFound, "pkgmanager.SetEnabledState", "package not known to registry")
	}
	r.enabled[key] = state
	return nil
}

// InstalledPackages implements accounting.PackageManager.
func (r *Registry) InstalledPackages(userID int32) ([]int32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int32(nil), r.installed[userID]...), nil
}

// LiveUsers implements accounting.PackageManager.
func (r *Registry) LiveUsers() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.liveUsers))
	for u := range r.liveUsers {
		out = append(out, u)
	}
	return out
}

func appendUnique(uids []int32, uid int32) []int32 {
	for _, u := range uids {
		if u == uid {
			return uids
		}
	}
	return append(uids, uid)
}
