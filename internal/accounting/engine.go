package accounting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

// Config parameterizes the engine's retention and recurring-overuse
// window. Mirrors config.AccountingConfig without importing it, keeping
// this package's dependency surface one-directional.
type Config struct {
	RetentionDays              int
	RecurringOveruseMinCount   int
	RecurringOveruseWindowDays int
}

// packageUsage is the in-memory running-usage record for one UserPackage,
// keyed by its stable storage row id (the "arenas + indices" pattern:
// shared-uid member views never copy this struct, only its row id).
type packageUsage struct {
	rowID              int64
	userID             int32
	genericPackageName string
	memberPackages     []string
	componentType      model.ComponentType
	killableState      model.KillableState
	daily              model.DailyIoUsage
}

// Engine is the Overuse Accounting Engine (C4).
type Engine struct {
	cfg Config
	log *zap.Logger

	store     StatsStore
	resolver  PackageResolver
	threshold ThresholdSource
	daemon    DaemonLink
	pkgMgr    PackageManager

	predicate RecurringOverusePredicateFunc

	// mu guards every field below: UsageByUserPackage, the pending action
	// queue, the default-not-killable set, lastUTCDay, and the pending
	// config slot. Never held across a daemon RPC.
	mu                 sync.Mutex
	usageByKey         map[string]*packageUsage // "userId:genericPackageName" -> usage
	usageByRowID       map[int64]*packageUsage
	pendingActions     []model.OveruseAction
	defaultNotKillable map[string]struct{} // genericPackageName set
	lastUTCDay         int64
	rememberedEnabled  map[string]map[string]model.EnabledState // userKey -> packageName -> state
	pendingConfig      []model.OveruseConfiguration

	listenerMu      sync.Mutex
	perUIDListeners map[int32][]OveruseListener
	sysListeners    []OveruseListener
}

// New constructs an Engine. predicate may be nil, in which case
// DefaultRecurringOverusePredicate is used.
func New(cfg Config, store StatsStore, resolver PackageResolver, threshold ThresholdSource, daemon DaemonLink, pkgMgr PackageManager, log *zap.Logger, predicate RecurringOverusePredicateFunc) *Engine {
	if predicate == nil {
		predicate = DefaultRecurringOverusePredicate
	}
	return &Engine{
		cfg:                cfg,
		log:                log,
		store:              store,
		resolver:           resolver,
		threshold:          threshold,
		daemon:             daemon,
		pkgMgr:             pkgMgr,
		predicate:          predicate,
		usageByKey:         make(map[string]*packageUsage),
		usageByRowID:       make(map[int64]*packageUsage),
		defaultNotKillable: make(map[string]struct{}),
		rememberedEnabled:  make(map[string]map[string]model.EnabledState),
		perUIDListeners:    make(map[int32][]OveruseListener),
	}
}

// startOfUTCDay returns the UTC-midnight second-of-epoch for t.
func startOfUTCDay(t time.Time) int64 {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Unix()
}

// Init runs the boot pipeline: load settings and today-usage from C3,
// populate the default-not-killable set, request the daemon's current
// configuration (standing in for "request the safe-to-kill set from the
// daemon"), replay today-usage into memory, and seed lastUTCDay.
func (e *Engine) Init(ctx context.Context, now time.Time) error {
	packages, states, err := e.store.LoadAllSettings()
	if err != nil {
		return werror.Wrap(werror.KindInternal, "accounting.Init", err)
	}

	e.mu.Lock()
	for _, up := range packages {
		if states[up.RowID] == model.KillableNo {
			e.defaultNotKillable[up.GenericPackageName] = struct{}{}
		}
	}
	e.mu.Unlock()

	connected, err := e.daemon.IsConnected(ctx)
	if err != nil {
		e.log.Warn("accounting: daemon connectivity check timed out during init", zap.Error(err))
	} else if connected {
		configs, err := e.daemon.GetResourceOveruseConfigurations(ctx)
		if err != nil {
			e.log.Warn("accounting: failed to fetch initial configuration from daemon", zap.Error(err))
		} else {
			e.threshold.Set(configs)
		}
	}

	todayEpoch := startOfUTCDay(now)
	todayUsage, err := e.store.GetTodayIoUsageStats(todayEpoch)
	if err != nil {
		return werror.Wrap(werror.KindInternal, "accounting.Init", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, up := range packages {
		pu := &packageUsage{
			rowID:              up.RowID,
			userID:             up.UserID,
			genericPackageName: up.GenericPackageName,
			killableState:      states[up.RowID],
		}
		if daily, ok := todayUsage[up.RowID]; ok {
			pu.daily = daily
		} else {
			pu.daily = model.DailyIoUsage{UserPackageRowID: up.RowID, DateEpoch: todayEpoch}
		}
		e.usageByKey[up.Key()] = pu
		e.usageByRowID[up.RowID] = pu
	}
	e.lastUTCDay = todayEpoch
	return nil
}

// checkAndHandleDateRollover compares the stored last-report UTC day to
// now's UTC day. On a mismatch it persists the closing day's rows,
// resets per-package in-memory counters, performs the conditional
// re-enable for non-recurring disables, and advances lastUTCDay. Must be
// called with e.mu held.
func (e *Engine) checkAndHandleDateRollover(now time.Time) error {
	today := startOfUTCDay(now)
	if today == e.lastUTCDay {
		return nil
	}

	closing := make([]model.DailyIoUsage, 0, len(e.usageByRowID))
	for _, pu := range e.usageByRowID {
		closing = append(closing, pu.daily)
	}
	if len(closing) > 0 {
		if err := e.store.SaveIoUsageStats(closing, e.lastUTCDay, true); err != nil {
			e.log.Error("accounting: failed to persist closing day's usage rows", zap.Error(err))
		}
	}
	e.store.InvalidateTodayCache()

	for _, pu := range e.usageByRowID {
		pu.daily = model.DailyIoUsage{UserPackageRowID: pu.rowID, DateEpoch: today}
	}

	e.restoreRememberedEnabledStates()

	e.lastUTCDay = today
	return nil
}

// restoreRememberedEnabledStates re-queries each remembered package's
// enabled state; if it is still disabled-until-used, restores it to the
// value remembered at disable time. Recurring-overuse disables are never
// present in rememberedEnabled, so they are never auto-restored.
func (e *Engine) restoreRememberedEnabledStates() {
	for userKey, byPkg := range e.rememberedEnabled {
		var userID int32
		fmt.Sscanf(userKey, "%d", &userID)
		for pkgName, remembered := range byPkg {
			state, err := e.pkgMgr.EnabledState(userID, pkgName)
			if err != nil {
				continue
			}
			if state == model.EnabledStateDisabledUntilUsed {
				if err := e.pkgMgr.SetEnabledState(userID, pkgName, remembered); err != nil {
					e.log.Warn("accounting: failed to restore enabled state on rollover",
						zap.Int32("userId", userID), zap.String("package", pkgName), zap.Error(err))
					continue
				}
			}
			delete(byPkg, pkgName)
		}
		if len(byPkg) == 0 {
			delete(e.rememberedEnabled, userKey)
		}
	}
}

func userKeyOf(userID int32) string {
	return fmt.Sprintf("%d", userID)
}

// drainPendingActions copies out and clears the pending action queue,
// for the end-of-batch daemon report. Must be called with e.mu held.
func (e *Engine) drainPendingActions() []model.OveruseAction {
	if len(e.pendingActions) == 0 {
		return nil
	}
	out := e.pendingActions
	e.pendingActions = nil
	return out
}

// ReportPendingActions drains the pending action queue and, if non-empty,
// reports it to the daemon in one call. Intended to be posted as a single
// task at the end of an ingestion batch, per the design.
func (e *Engine) ReportPendingActions(ctx context.Context) error {
	e.mu.Lock()
	actions := e.drainPendingActions()
	e.mu.Unlock()

	if len(actions) == 0 {
		return nil
	}
	if err := e.daemon.ActionTakenOnResourceOveruse(ctx, actions); err != nil {
		e.log.Error("accounting: failed to report actions to daemon", zap.Int("count", len(actions)), zap.Error(err))
		return werror.Wrap(werror.KindTransport, "accounting.ReportPendingActions", err)
	}
	return nil
}

// ShrinkRetention delegates to the store's idempotent-per-day retention
// sweep, using the engine's configured retention window.
func (e *Engine) ShrinkRetention(now time.Time) error {
	return e.store.ShrinkDatabase(startOfUTCDay(now), e.cfg.RetentionDays)
}
