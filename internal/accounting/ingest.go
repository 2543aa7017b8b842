package accounting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/storage"
)

// IngestStats is the stats ingestion pipeline (§4.4.2): resolves each
// entry's uid, applies date rollover once for the whole batch, updates
// in-memory usage, reconciles killable state, collects notifications, and
// enqueues overuse actions. Batch effects are applied atomically with
// respect to concurrent queries: e.mu is held for the whole batch, but
// released before listener notifications are dispatched, per §5's "the
// engine releases C4.usage before iterating listeners" — a listener
// calling back into an e.mu-locking method must never deadlock.
func (e *Engine) IngestStats(ctx context.Context, stats []model.PackageIoOveruseStats, now time.Time) error {
	vendorPrefixes := e.threshold.VendorPrefixes()

	type resolved struct {
		stat    model.PackageIoOveruseStats
		name    string
		ct      model.ComponentType
		members []string
	}
	var entries []resolved
	for _, st := range stats {
		name, ct, members, err := e.resolver.Resolve(st.UserID, st.UID, vendorPrefixes)
		if err != nil {
			e.log.Debug("accounting: dropping stats entry with no uid mapping", zap.Int32("uid", st.UID), zap.Error(err))
			continue
		}
		entries = append(entries, resolved{stat: st, name: name, ct: ct, members: members})
	}
	if len(entries) == 0 {
		return nil
	}

	todayEpoch := startOfUTCDay(now)
	notForgiven, err := e.store.GetNotForgivenHistoricalIoOveruses(todayEpoch, e.cfg.RecurringOveruseWindowDays)
	if err != nil {
		e.log.Warn("accounting: failed to fetch not-forgiven overuse history", zap.Error(err))
		notForgiven = nil
	}

	type pendingNotify struct {
		uid  int32
		stat model.PackageIoOveruseStats
	}
	var toNotify []pendingNotify

	e.mu.Lock()

	if err := e.checkAndHandleDateRollover(now); err != nil {
		e.log.Error("accounting: date rollover failed", zap.Error(err))
	}

	for _, r := range entries {
		pu := e.getOrCreateUsageLocked(r.stat.UserID, r.name, r.ct, r.members)

		pu.daily.WrittenBytes = r.stat.WrittenBytes
		pu.daily.TotalOveruses = r.stat.TotalOveruses
		rb := r.stat.RemainingWriteBytes
		pu.daily.RemainingWriteBytes = &rb

		e.reconcileKillableStateLocked(pu, r.stat.KillableOnOveruse)

		if r.stat.ShouldNotify {
			toNotify = append(toNotify, pendingNotify{uid: r.stat.UID, stat: r.stat})
		}

		if r.stat.RemainingWriteBytes.AnyZero() {
			recurring := false
			if notForgiven != nil {
				recurring = e.predicate(notForgiven[pu.rowID], e.cfg.RecurringOveruseMinCount)
			}
			e.decideAction(r.stat.UserID, pu, recurring)
		}
	}

	e.mu.Unlock()

	// Dispatched outside e.mu so a listener that calls back into an
	// e.mu-locking Engine method (e.g. GetResourceOveruseStats,
	// SetKillablePackageAsUser) cannot self-deadlock, per §5's "the
	// engine releases C4.usage before iterating listeners."
	for _, n := range toNotify {
		e.dispatch(n.uid, n.stat)
	}

	return nil
}

// getOrCreateUsageLocked returns the usage row for (userID, genericPackageName),
// persisting a brand new settings row via the store on first sight. Must be
// called with e.mu held.
func (e *Engine) getOrCreateUsageLocked(userID int32, genericPackageName string, ct model.ComponentType, members []string) *packageUsage {
	up := model.UserPackage{UserID: userID, GenericPackageName: genericPackageName}
	if pu, ok := e.usageByKey[up.Key()]; ok {
		pu.componentType = ct
		pu.memberPackages = members
		return pu
	}

	killable := model.KillableYes
	if _, notKillable := e.defaultNotKillable[genericPackageName]; notKillable {
		killable = model.KillableNo
	}

	rows, err := e.store.SaveUserPackageSettings([]storage.SettingsEntry{
		{UserID: userID, PackageName: genericPackageName, KillableState: killable},
	})
	var rowID int64
	if err != nil {
		e.log.Error("accounting: failed to persist new user-package settings row", zap.Error(err))
	} else {
		for _, id := range rows {
			rowID = id
		}
	}

	pu := &packageUsage{
		rowID:              rowID,
		userID:             userID,
		genericPackageName: genericPackageName,
		memberPackages:     members,
		componentType:      ct,
		killableState:      killable,
		daily:              model.DailyIoUsage{UserPackageRowID: rowID, DateEpoch: e.lastUTCDay},
	}
	e.usageByKey[up.Key()] = pu
	if rowID != 0 {
		e.usageByRowID[rowID] = pu
	}
	return pu
}

// reconcileKillableStateLocked applies step 4 of the ingestion pipeline:
// killableOnOveruse=false always forces Never (sticky); killableOnOveruse
// =true restores a Never package to its default, leaving explicit Yes/No
// states untouched. Must be called with e.mu held.
func (e *Engine) reconcileKillableStateLocked(pu *packageUsage, killableOnOveruse bool) {
	if !killableOnOveruse {
		pu.killableState = model.KillableNever
		return
	}
	if pu.killableState == model.KillableNever {
		if _, notKillable := e.defaultNotKillable[pu.genericPackageName]; notKillable {
			pu.killableState = model.KillableNo
		} else {
			pu.killableState = model.KillableYes
		}
	}
}

// decideAction implements the action decision table of §4.4.2. Must be
// called with e.mu held.
func (e *Engine) decideAction(userID int32, pu *packageUsage, recurring bool) {
	switch {
	case pu.killableState == model.KillableNever:
		e.enqueueAction(userID, pu, model.ActionNotKilled)

	case pu.killableState == model.KillableNo && !recurring:
		e.enqueueAction(userID, pu, model.ActionNotKilledUserOpted)

	case recurring:
		e.disableMembers(userID, pu.memberPackages, false)
		e.enqueueAction(userID, pu, model.ActionKilledRecurringOveruse)

	case pu.killableState == model.KillableYes && e.anyMemberDisabled(userID, pu.memberPackages):
		e.enqueueAction(userID, pu, model.ActionNotKilled)

	case pu.killableState == model.KillableYes:
		e.disableMembers(userID, pu.memberPackages, true)
		e.enqueueAction(userID, pu, model.ActionKilled)
	}
}

func (e *Engine) enqueueAction(userID int32, pu *packageUsage, kind model.OveruseActionKind) {
	action := model.NewOveruseAction(userID, pu.genericPackageName, kind, pu.memberPackages)
	pu.daily.TotalTimesKilled += actionKillCount(kind)
	e.pendingActions = append(e.pendingActions, action)
}

func actionKillCount(kind model.OveruseActionKind) int64 {
	if kind == model.ActionKilled || kind == model.ActionKilledRecurringOveruse {
		return 1
	}
	return 0
}

func (e *Engine) anyMemberDisabled(userID int32, members []string) bool {
	names := members
	if len(names) == 0 {
		return false
	}
	for _, name := range names {
		state, err := e.pkgMgr.EnabledState(userID, name)
		if err != nil {
			continue
		}
		if state.IsDisabled() {
			return true
		}
	}
	return false
}

// disableMembers disables every member package until used. When remember
// is true (the non-recurring path), the pre-disable enabled state is
// stashed so date rollover can restore it; recurring-overuse disables
// skip the stash and are therefore never auto-restored.
func (e *Engine) disableMembers(userID int32, members []string, remember bool) {
	for _, name := range members {
		old, err := e.pkgMgr.EnabledState(userID, name)
		if err != nil {
			continue
		}
		if err := e.pkgMgr.SetEnabledState(userID, name, model.EnabledStateDisabledUntilUsed); err != nil {
			e.log.Warn("accounting: failed to disable package", zap.Int32("userId", userID), zap.String("package", name), zap.Error(err))
			continue
		}
		key := userKeyOf(userID)
		if remember {
			if e.rememberedEnabled[key] == nil {
				e.rememberedEnabled[key] = make(map[string]model.EnabledState)
			}
			e.rememberedEnabled[key][name] = old
		} else if e.rememberedEnabled[key] != nil {
			// A recurring-overuse disable always wins: drop any stash left
			// by an earlier non-recurring disable so rollover never
			// restores this package behind the user's back.
			delete(e.rememberedEnabled[key], name)
		}
	}
}
