// Package service is the WatchdogContext facade (spec §6's "Public
// Service API" surface): it wires the package classifier (C2), threshold
// cache (C1), accounting engine (C4), health-check scheduler (C5), and
// daemon liaison (C6) into one object and exposes the public operations
// as plain Go methods — there is no RPC framework between a caller in
// this process and the facade.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/accounting"
	"github.com/ioverseer/ioverseer/internal/classifier"
	"github.com/ioverseer/ioverseer/internal/daemonlink"
	"github.com/ioverseer/ioverseer/internal/healthcheck"
	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/observability"
	"github.com/ioverseer/ioverseer/internal/pkgmanager"
	"github.com/ioverseer/ioverseer/internal/storage"
	"github.com/ioverseer/ioverseer/internal/threshold"
)

// WatchdogContext bundles every long-lived collaborator the daemon
// constructs once at startup.
type WatchdogContext struct {
	Store     *storage.Store
	Threshold *threshold.Cache
	Classifier *classifier.Classifier
	Engine    *accounting.Engine
	Health    *healthcheck.Scheduler
	Daemon    *daemonlink.Link
	PkgMgr    *pkgmanager.Registry
	Metrics   *observability.Metrics

	log *zap.Logger
}

// New wires every collaborator together. cfg fields are passed in by the
// caller (cmd/ioverseerd) rather than importing internal/config here, to
// keep this package importable from tests without a config dependency.
func New(
	store *storage.Store,
	thresh *threshold.Cache,
	cls *classifier.Classifier,
	pkgMgr *pkgmanager.Registry,
	daemon *daemonlink.Link,
	metrics *observability.Metrics,
	acctCfg accounting.Config,
	hcDeadlines healthcheck.Deadlines,
	log *zap.Logger,
) *WatchdogContext {
	wc := &WatchdogContext{
		Store:      store,
		Threshold:  thresh,
		Classifier: cls,
		PkgMgr:     pkgMgr,
		Daemon:     daemon,
		Metrics:    metrics,
		log:        log,
	}

	wc.Engine = accounting.New(acctCfg, store, cls, thresh, daemon, pkgMgr, log, nil)

	wc.Health = healthcheck.New(hcDeadlines, func(r healthcheck.NonResponderReport) {
		metrics.HealthCheckNonRespondersTotal.WithLabelValues(model.TierCritical.String()).Add(float64(len(r.PIDs)))
		if err := daemon.TellCarWatchdogServiceAlive(context.Background(), r.SessionID, r.PIDs); err != nil {
			log.Warn("service: failed to report non-responders to daemon", zap.Error(err))
		}
	}, log)

	return wc
}

// Start runs the boot pipeline (C4.Init) and launches the daemon liaison
// and periodic background tasks. Blocks goroutines only; returns once
// everything is launched.
func (wc *WatchdogContext) Start(ctx context.Context, now time.Time, healthCheckPeriod time.Duration) error {
	if err := wc.Engine.Init(ctx, now); err != nil {
		return err
	}

	go wc.Daemon.Run(ctx, func() []byte { return nil })

	go func() {
		ticker := time.NewTicker(healthCheckPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wc.Health.CheckIfAlive()
				connected, err := wc.Daemon.IsConnected(ctx)
				if err != nil {
					wc.log.Warn("service: daemon connectivity check timed out", zap.Error(err))
				} else {
					wc.Metrics.DaemonConnected.Set(boolToFloat(connected))
				}
			}
		}
	}()

	return nil
}

// IngestStats is the daemon-facing entrypoint for a stats push (spec's
// latestIoOveruseStats inbound callback): runs the accounting pipeline
// then posts the pending action queue to the daemon as a single report.
func (wc *WatchdogContext) IngestStats(ctx context.Context, stats []model.PackageIoOveruseStats, now time.Time) error {
	start := time.Now()
	defer func() { wc.Metrics.IngestLatency.Observe(time.Since(start).Seconds()) }()
	wc.Metrics.IngestBatchSize.Observe(float64(len(stats)))

	if err := wc.Engine.IngestStats(ctx, stats, now); err != nil {
		return err
	}
	return wc.Engine.ReportPendingActions(ctx)
}

// RegisterClient implements the public registerClient(handle, tier) op.
func (wc *WatchdogContext) RegisterClient(tier model.Tier, c healthcheck.Client) error {
	return wc.Health.RegisterClient(tier, c)
}

// UnregisterClient implements the public unregisterClient(handle) op.
func (wc *WatchdogContext) UnregisterClient(handle string) {
	wc.Health.UnregisterClient(handle)
}

// TellClientAlive implements the public tellClientAlive(handle, sessionId) op.
func (wc *WatchdogContext) TellClientAlive(handle string, sessionID uint32) {
	wc.Health.TellClientAlive(handle, sessionID)
}

// GetResourceOveruseStatsForUserPackage implements the matching public op.
func (wc *WatchdogContext) GetResourceOveruseStatsForUserPackage(userID int32, genericPackageName string, periodDays int, now time.Time) *accounting.ResourceOveruseStats {
	return wc.Engine.GetResourceOveruseStatsForUserPackage(userID, genericPackageName, periodDays, now)
}

// GetResourceOveruseStats implements the matching public op.
func (wc *WatchdogContext) GetResourceOveruseStats(userID int32) []accounting.ResourceOveruseStats {
	return wc.Engine.GetResourceOveruseStats(userID)
}

// GetAllResourceOveruseStats implements the matching public op.
func (wc *WatchdogContext) GetAllResourceOveruseStats(minTotalWritten uint64) []accounting.ResourceOveruseStats {
	return wc.Engine.GetAllResourceOveruseStats(minTotalWritten)
}

// GetDailySystemIoUsageSummaries implements the matching public op.
func (wc *WatchdogContext) GetDailySystemIoUsageSummaries(from, to time.Time) ([]model.DailySystemIoUsageSummary, error) {
	return wc.Engine.GetDailySystemIoUsageSummaries(from, to)
}

// GetTopUsersDailyIoUsageSummaries implements the matching public op.
func (wc *WatchdogContext) GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to time.Time) ([]model.UserPackageDailyIoUsageSummary, error) {
	return wc.Engine.GetTopUsersDailyIoUsageSummaries(n, minTotalWritten, from, to)
}

// AddResourceOveruseListener implements the per-uid/system listener
// registration op; uid < 0 registers a system-scoped listener.
func (wc *WatchdogContext) AddResourceOveruseListener(uid int32, l accounting.OveruseListener) error {
	return wc.Engine.AddListener(uid, l)
}

// RemoveResourceOveruseListener implements the matching removal op.
func (wc *WatchdogContext) RemoveResourceOveruseListener(handle string) {
	wc.Engine.RemoveListener(handle)
}

// SetKillablePackageAsUser implements the matching public op.
func (wc *WatchdogContext) SetKillablePackageAsUser(genericPackageName string, userID int32, isKillable bool) error {
	return wc.Engine.SetKillablePackageAsUser(genericPackageName, userID, isKillable)
}

// GetPackageKillableStatesAsUser implements the matching public op.
func (wc *WatchdogContext) GetPackageKillableStatesAsUser(userID int32) []accounting.PackageKillableState {
	return wc.Engine.GetPackageKillableStatesAsUser(userID)
}

// SetResourceOveruseConfigurations implements the matching public op.
func (wc *WatchdogContext) SetResourceOveruseConfigurations(ctx context.Context, configs []model.OveruseConfiguration, flags uint32) error {
	return wc.Engine.SetResourceOveruseConfigurations(ctx, configs, flags)
}

// GetResourceOveruseConfigurations implements the matching public op.
func (wc *WatchdogContext) GetResourceOveruseConfigurations(ctx context.Context, flags uint32) ([]model.OveruseConfiguration, error) {
	return wc.Engine.GetResourceOveruseConfigurations(ctx, flags)
}

// FlushPendingConfiguration retries a stashed configuration push, for the
// operator CLI's force-push-config command.
func (wc *WatchdogContext) FlushPendingConfiguration(ctx context.Context) error {
	return wc.Engine.FlushPendingConfiguration(ctx)
}

// ShrinkRetention forces an immediate retention sweep, for the operator
// CLI's force-sweep command.
func (wc *WatchdogContext) ShrinkRetention(now time.Time) error {
	return wc.Engine.ShrinkRetention(now)
}

// ResetResourceOveruseStats implements the matching public op.
func (wc *WatchdogContext) ResetResourceOveruseStats(pkgNames []string) {
	wc.Engine.ResetResourceOveruseStats(pkgNames)
}

// OnPowerCycleResume and the user-state transition handlers forward
// daemon-pushed system state changes to the health-check scheduler, per
// §4.5.
func (wc *WatchdogContext) OnPowerCycleResume() { wc.Health.OnPowerCycleResume() }
func (wc *WatchdogContext) OnUserStateStopped(userID int32) { wc.Health.OnUserStateStopped(userID) }
func (wc *WatchdogContext) OnUserStateStarted(userID int32) { wc.Health.OnUserStateStarted(userID) }

// UsageSnapshot and TierSnapshot feed the introspection HTTP surface.
func (wc *WatchdogContext) UsageSnapshot() interface{} {
	return wc.Engine.GetAllResourceOveruseStats(0)
}

func (wc *WatchdogContext) TierSnapshot() interface{} {
	return wc.Health.Snapshot()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
