package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// UsageSnapshotFunc returns a JSON-serializable view of current in-memory
// accounting state, for /debug/usage.
type UsageSnapshotFunc func() interface{}

// TierSnapshotFunc returns a JSON-serializable view of health-check tier
// state, for /debug/tiers.
type TierSnapshotFunc func() interface{}

// Introspection is a read-only debug HTTP surface, bound to loopback only.
// It never accepts writes — every route here is a GET.
type Introspection struct {
	router *chi.Mux
	log    *zap.Logger
}

// NewIntrospection builds the introspection mux. usage and tiers may be
// called concurrently from arbitrary request goroutines; callers must
// internally synchronize whatever state they read.
func NewIntrospection(usage UsageSnapshotFunc, tiers TierSnapshotFunc, log *zap.Logger) *Introspection {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	i := &Introspection{router: r, log: log}

	r.Get("/debug/usage", func(w http.ResponseWriter, req *http.Request) {
		i.writeJSON(w, usage())
	})
	r.Get("/debug/tiers", func(w http.ResponseWriter, req *http.Request) {
		i.writeJSON(w, tiers())
	})
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return i
}

func (i *Introspection) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		i.log.Warn("introspection: failed to encode response", zap.Error(err))
	}
}

// Serve starts the introspection HTTP server on addr. Blocks until ctx is
// cancelled.
func (i *Introspection) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      i.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
