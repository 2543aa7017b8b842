// Package main — cmd/ioverseerd/main.go
//
// ioverseerd entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/ioverseer/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the SQLite stats store.
//  4. Build the threshold cache, classifier, and package registry.
//  5. Connect the daemon liaison (reconnect-with-backoff; non-blocking).
//  6. Start Prometheus metrics server.
//  7. Start the introspection HTTP surface.
//  8. Wire and boot the WatchdogContext facade (accounting Init, health
//     scheduler, daemon liaison run-loop).
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Run one final retention sweep.
//  3. Close the stats store.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ioverseer/ioverseer/internal/accounting"
	"github.com/ioverseer/ioverseer/internal/classifier"
	"github.com/ioverseer/ioverseer/internal/config"
	"github.com/ioverseer/ioverseer/internal/daemonlink"
	"github.com/ioverseer/ioverseer/internal/healthcheck"
	"github.com/ioverseer/ioverseer/internal/observability"
	"github.com/ioverseer/ioverseer/internal/operator"
	"github.com/ioverseer/ioverseer/internal/pkgmanager"
	"github.com/ioverseer/ioverseer/internal/service"
	"github.com/ioverseer/ioverseer/internal/storage"
	"github.com/ioverseer/ioverseer/internal/threshold"
)

func main() {
	configPath := flag.String("config", "/etc/ioverseer/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ioverseerd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("ioverseerd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.Storage.DBPath, log)
	if err != nil {
		log.Fatal("stats store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer store.Close() //nolint:errcheck
	log.Info("stats store opened", zap.String("path", cfg.Storage.DBPath))

	thresh := threshold.New()
	pkgReg := pkgmanager.New()
	cls := classifier.New(pkgReg)

	daemon := daemonlink.New(daemonlink.Config{
		SocketPath:            cfg.DaemonLink.SocketPath,
		ReconnectInterval:     cfg.DaemonLink.ReconnectInterval,
		ImmediateRetries:      cfg.DaemonLink.ImmediateRetries,
		ConnectedQueryTimeout: cfg.DaemonLink.ConnectedQueryTimeout,
	}, log)

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	acctCfg := accounting.Config{
		RetentionDays:              cfg.Accounting.RetentionDays,
		RecurringOveruseMinCount:   cfg.Accounting.RecurringOveruseMinCount,
		RecurringOveruseWindowDays: cfg.Accounting.RecurringOveruseWindowDays,
	}
	hcDeadlines := healthcheck.Deadlines{
		Critical: cfg.HealthCheck.CriticalDeadline,
		Moderate: cfg.HealthCheck.ModerateDeadline,
		Normal:   cfg.HealthCheck.NormalDeadline,
	}

	wc := service.New(store, thresh, cls, pkgReg, daemon, metrics, acctCfg, hcDeadlines, log)

	introspection := observability.NewIntrospection(wc.UsageSnapshot, wc.TierSnapshot, log)
	go func() {
		if err := introspection.Serve(ctx, cfg.Observability.IntrospectionAddr); err != nil {
			log.Error("introspection server error", zap.Error(err))
		}
	}()
	log.Info("introspection server started", zap.String("addr", cfg.Observability.IntrospectionAddr))

	if err := wc.Start(ctx, time.Now(), hcDeadlines.Critical); err != nil {
		log.Fatal("watchdog context boot failed", zap.Error(err))
	}
	log.Info("watchdog context started")

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, wc, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Reload(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful",
				zap.Int("retention_days", newCfg.Accounting.RetentionDays))
			// Destructive fields (DB path, socket paths) require restart and
			// are intentionally not applied here; only the accounting
			// retention window would be live-swappable in a fuller
			// implementation.
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	if err := wc.Engine.ShrinkRetention(time.Now()); err != nil {
		log.Warn("final retention sweep failed", zap.Error(err))
	}

	log.Info("ioverseerd shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
