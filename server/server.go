// Package server exposes the operational HTTP surface: health, readiness,
// status, and metrics. It injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/relaybot/cache"
	"github.com/onnwee/relaybot/db"
	"github.com/onnwee/relaybot/registry"
	"github.com/onnwee/relaybot/session"
	"github.com/onnwee/relaybot/telemetry"
)

// Deps are the components the status endpoints report on.
type Deps struct {
	DB       *sql.DB
	Session  *session.Manager
	Registry *registry.Registry
	Dedup    *cache.Dedup
	Metadata *cache.Metadata
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Ready means the database answers and the chat session is open.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			if err := db.Ping(r.Context(), deps.DB); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if deps.Session != nil && deps.Session.State() != session.Open {
			http.Error(w, "session not open", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := map[string]any{"tracing_enabled": telemetry.IsTracingEnabled()}
		if deps.Session != nil {
			st["session_state"] = deps.Session.State().String()
		}
		if deps.DB != nil {
			// The state flushed by the previous run, for post-mortems.
			if v, err := db.GetKV(r.Context(), deps.DB, "session:last_state"); err == nil && v != "" {
				st["last_session_state"] = v
			}
		}
		if deps.Registry != nil {
			st["registry_keys"] = deps.Registry.Size()
			st["commands"] = deps.Registry.Names()
		}
		if deps.Dedup != nil {
			st["dedup_entries"] = deps.Dedup.Len()
		}
		if deps.Metadata != nil {
			st["metadata_entries"] = deps.Metadata.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			slog.Error("status encode failed", slog.Any("err", err), slog.String("component", "http"))
		}
	})

	// Correlation ID injector and tracing middleware.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
