// Package observability — metrics.go
//
// Prometheus metrics for ioverseerd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: ioverseer_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Package name is NOT used as a label (unbounded cardinality) — only
//     tier, action kind and storage operation, all small closed sets.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for ioverseerd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Health-check scheduler (C5) ──────────────────────────────────────

	// HealthCheckRoundsTotal counts completed ping rounds, by tier.
	HealthCheckRoundsTotal *prometheus.CounterVec

	// HealthCheckNonRespondersTotal counts clients reported non-responding,
	// by tier.
	HealthCheckNonRespondersTotal *prometheus.CounterVec

	// RegisteredClients is the current number of registered health-check
	// clients, by tier.
	RegisteredClients *prometheus.GaugeVec

	// ─── Overuse accounting (C4) ──────────────────────────────────────────

	// OveruseActionsTotal counts overuse actions decided, by kind
	// (not_killed, not_killed_user_opted, killed, killed_recurring_overuse).
	OveruseActionsTotal *prometheus.CounterVec

	// IngestBatchSize records the size of each IngestStats batch.
	IngestBatchSize prometheus.Histogram

	// IngestLatency records IngestStats wall-clock duration.
	IngestLatency prometheus.Histogram

	// TrackedPackages is the current number of (user, package) pairs
	// tracked in memory.
	TrackedPackages prometheus.Gauge

	// ─── Daemon liaison (C6) ──────────────────────────────────────────────

	// DaemonReconnectsTotal counts reconnect attempts to the daemon.
	DaemonReconnectsTotal prometheus.Counter

	// DaemonConnected reports 1 when the daemon link is up, 0 otherwise.
	DaemonConnected prometheus.Gauge

	// ─── Storage (C3) ──────────────────────────────────────────────────────

	// StorageWriteLatency records SQLite write transaction latency.
	StorageWriteLatency *prometheus.HistogramVec

	// StorageShrinkRowsDeleted counts rows removed by the last retention
	// sweep.
	StorageShrinkRowsDeleted prometheus.Gauge

	// ─── Daemon process ─────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all ioverseerd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		HealthCheckRoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioverseer",
			Subsystem: "healthcheck",
			Name:      "rounds_total",
			Help:      "Total health-check ping rounds completed, by tier.",
		}, []string{"tier"}),

		HealthCheckNonRespondersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioverseer",
			Subsystem: "healthcheck",
			Name:      "non_responders_total",
			Help:      "Total clients reported non-responding, by tier.",
		}, []string{"tier"}),

		RegisteredClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ioverseer",
			Subsystem: "healthcheck",
			Name:      "registered_clients",
			Help:      "Current number of registered health-check clients, by tier.",
		}, []string{"tier"}),

		OveruseActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioverseer",
			Subsystem: "accounting",
			Name:      "overuse_actions_total",
			Help:      "Total overuse actions decided, by action kind.",
		}, []string{"kind"}),

		IngestBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ioverseer",
			Subsystem: "accounting",
			Name:      "ingest_batch_size",
			Help:      "Number of stats entries per IngestStats call.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		IngestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ioverseer",
			Subsystem: "accounting",
			Name:      "ingest_latency_seconds",
			Help:      "Wall-clock duration of IngestStats calls.",
			Buckets:   prometheus.DefBuckets,
		}),

		TrackedPackages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ioverseer",
			Subsystem: "accounting",
			Name:      "tracked_packages",
			Help:      "Current number of (user, package) pairs tracked in memory.",
		}),

		DaemonReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ioverseer",
			Subsystem: "daemonlink",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts made to the native daemon.",
		}),

		DaemonConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ioverseer",
			Subsystem: "daemonlink",
			Name:      "connected",
			Help:      "1 if the daemon link is currently connected, 0 otherwise.",
		}),

		StorageWriteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ioverseer",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "SQLite write transaction latency in seconds, by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		StorageShrinkRowsDeleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ioverseer",
			Subsystem: "storage",
			Name:      "shrink_rows_deleted",
			Help:      "Rows removed by the most recent retention sweep.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ioverseer",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since ioverseerd started.",
		}),
	}

	reg.MustRegister(
		m.HealthCheckRoundsTotal,
		m.HealthCheckNonRespondersTotal,
		m.RegisteredClients,
		m.OveruseActionsTotal,
		m.IngestBatchSize,
		m.IngestLatency,
		m.TrackedPackages,
		m.DaemonReconnectsTotal,
		m.DaemonConnected,
		m.StorageWriteLatency,
		m.StorageShrinkRowsDeleted,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
