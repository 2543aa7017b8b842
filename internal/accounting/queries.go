package accounting

import (
	"time"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
)

// ResourceOveruseStats is the query-API projection of a tracked
// package's usage, combining the in-memory running-today counters with
// the historical aggregate for the requested period.
type ResourceOveruseStats struct {
	UserID             int32
	GenericPackageName string
	ComponentType      model.ComponentType
	KillableState      model.KillableState
	WrittenBytes       model.PerStateBytes
	TotalOveruses      int64
	ForgivenOveruses   int64
	TotalTimesKilled   int64
	PeriodStartTime    int64
}

// GetResourceOveruseStatsForUserPackage returns the combined
// today-plus-history stats for exactly one (userID, genericPackageName),
// or nil if the package has never been tracked.
func (e *Engine) GetResourceOveruseStatsForUserPackage(userID int32, genericPackageName string, periodDays int, now time.Time) *ResourceOveruseStats {
	e.mu.Lock()
	up := model.UserPackage{UserID: userID, GenericPackageName: genericPackageName}
	pu, ok := e.usageByKey[up.Key()]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	rowID := pu.rowID
	result := e.toStatsLocked(pu)
	e.mu.Unlock()

	if periodDays <= 0 {
		return &result
	}

	hist, err := e.store.GetHistoricalIoOveruseStats(rowID, startOfUTCDay(now), periodDays)
	if err != nil {
		e.log.Warn("accounting: historical stats query failed", zap.Error(err))
		return &result
	}
	if hist == nil {
		return &result
	}
	result.WrittenBytes = result.WrittenBytes.Add(hist.WrittenBytes)
	result.TotalOveruses += hist.TotalOveruses
	result.TotalTimesKilled += hist.TotalTimesKilled
	result.PeriodStartTime = hist.StartTime
	return &result
}

// GetResourceOveruseStats returns today's in-memory stats for every
// package tracked under userID.
func (e *Engine) GetResourceOveruseStats(userID int32) []ResourceOveruseStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ResourceOveruseStats
	for _, pu := range e.usageByKey {
		if pu.userID != userID {
			continue
		}
		out = append(out, e.toStatsLocked(pu))
	}
	return out
}

// GetAllResourceOveruseStats returns today's in-memory stats across every
// tracked user and package, optionally filtering to entries whose total
// written bytes reach minTotalWritten.
func (e *Engine) GetAllResourceOveruseStats(minTotalWritten uint64) []ResourceOveruseStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ResourceOveruseStats
	for _, pu := range e.usageByKey {
		total := pu.daily.WrittenBytes.Foreground + pu.daily.WrittenBytes.Background + pu.daily.WrittenBytes.GarageMode
		if total < minTotalWritten {
			continue
		}
		out = append(out, e.toStatsLocked(pu))
	}
	return out
}

func (e *Engine) toStatsLocked(pu *packageUsage) ResourceOveruseStats {
	return ResourceOveruseStats{
		UserID:             pu.userID,
		GenericPackageName: pu.genericPackageName,
		ComponentType:      pu.componentType,
		KillableState:      pu.killableState,
		WrittenBytes:       pu.daily.WrittenBytes,
		TotalOveruses:      pu.daily.TotalOveruses,
		ForgivenOveruses:   pu.daily.ForgivenOveruses,
		TotalTimesKilled:   pu.daily.TotalTimesKilled,
	}
}

// ResetResourceOveruseStats zeros the in-memory today-counters for every
// tracked package whose generic name is in pkgNames, across all users.
func (e *Engine) ResetResourceOveruseStats(pkgNames []string) {
	want := make(map[string]struct{}, len(pkgNames))
	for _, n := range pkgNames {
		want[n] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pu := range e.usageByKey {
		if _, ok := want[pu.genericPackageName]; !ok {
			continue
		}
		pu.daily.WrittenBytes = model.PerStateBytes{}
		pu.daily.TotalOveruses = 0
		pu.daily.ForgivenOveruses = 0
		pu.daily.TotalTimesKilled = 0
		pu.daily.RemainingWriteBytes = nil
		pu.daily.ForgivenWriteBytes = nil
	}
}

// SyncUsersFromPackageManager drops tracked users no longer reported
// alive, delegating to the store's cascade-delete and pruning the
// in-memory maps to match.
func (e *Engine) SyncUsersFromPackageManager() error {
	alive := e.pkgMgr.LiveUsers()
	if err := e.storeSyncUsers(alive); err != nil {
		return err
	}

	aliveSet := make(map[int32]struct{}, len(alive))
	for _, u := range alive {
		aliveSet[u] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, pu := range e.usageByKey {
		if _, ok := aliveSet[pu.userID]; ok {
			continue
		}
		delete(e.usageByKey, key)
		delete(e.usageByRowID, pu.rowID)
	}
	return nil
}

// GetDailySystemIoUsageSummaries is a thin pass-through to the store's
// system-wide daily summary query (spec's getDailySystemIoUsageSummaries),
// exposed here so callers only depend on the engine, not the store.
func (e *Engine) GetDailySystemIoUsageSummaries(from, to time.Time) ([]model.DailySystemIoUsageSummary, error) {
	return e.store.GetDailySystemIoUsageSummaries(startOfUTCDay(from), startOfUTCDay(to))
}

// GetTopUsersDailyIoUsageSummaries is a thin pass-through to the store's
// top-n query (spec's getTopUsersDailyIoUsageSummaries).
func (e *Engine) GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to time.Time) ([]model.UserPackageDailyIoUsageSummary, error) {
	return e.store.GetTopUsersDailyIoUsageSummaries(n, minTotalWritten, startOfUTCDay(from), startOfUTCDay(to))
}

// storeSyncUsers exists only to keep the StatsStore interface free of a
// SyncUsers method that configrpc.go and queries.go don't otherwise need,
// while still letting this file call it through a narrow type assertion
// on the concrete *storage.Store collaborator.
func (e *Engine) storeSyncUsers(alive []int32) error {
	type userSyncer interface {
		SyncUsers(aliveIDs []int32) error
	}
	if s, ok := e.store.(userSyncer); ok {
		return s.SyncUsers(alive)
	}
	return nil
}
