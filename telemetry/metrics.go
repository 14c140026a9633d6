// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsSeen           prometheus.Counter
	EventsAcked          prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	CommandsDispatched   prometheus.Counter
	HandlerFailures      prometheus.Counter
	ReconnectAttempts    prometheus.Counter
	RegistryReloads      prometheus.Counter
	RegistryReloadErrors prometheus.Counter

	// Histograms (seconds)
	HandlerDuration prometheus.Observer

	// Gauges
	SessionStateGauge     prometheus.Gauge // numeric session state, see session.State
	RegistrySizeGauge     prometheus.Gauge
	ReconnectDelayMsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_events_seen_total", Help: "Inbound events observed at the dispatch boundary"})
		EventsAcked = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_events_acked_total", Help: "Events acknowledged at the transport"})
		DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_duplicates_suppressed_total", Help: "Duplicate deliveries dropped by the dedup cache"})
		CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_dispatched_total", Help: "Handler invocations started"})
		HandlerFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_handler_failures_total", Help: "Handler invocations that returned an error or timed out"})
		ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_reconnect_attempts_total", Help: "Session reconnect attempts scheduled"})
		RegistryReloads = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_registry_reloads_total", Help: "Command registry reloads that installed a new mapping"})
		RegistryReloadErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_registry_reload_errors_total", Help: "Command registry reloads that failed and kept the previous mapping"})
		HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_handler_duration_seconds", Help: "Handler execution duration seconds", Buckets: prometheus.DefBuckets})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_session_state", Help: "Current session state (0=disconnected 1=connecting 2=open 3=failed 4=gaveup)"})
		RegistrySizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_registry_size", Help: "Number of name/alias keys in the command registry"})
		ReconnectDelayMsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_reconnect_delay_ms", Help: "Last computed reconnect backoff delay in milliseconds"})
	})
}

// SetSessionState records the numeric session state if metrics are initialized.
func SetSessionState(s int) {
	if SessionStateGauge != nil {
		SessionStateGauge.Set(float64(s))
	}
}

// SetRegistrySize records the current registry key count.
func SetRegistrySize(n int) {
	if RegistrySizeGauge != nil {
		RegistrySizeGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
