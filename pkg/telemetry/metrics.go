package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the agent. A nil or disabled
// Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	// Mailbox metrics
	syncs             *prometheus.CounterVec
	envelopes         *prometheus.CounterVec
	envelopesRejected prometheus.Counter

	// Task metrics
	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	activeTasks    prometheus.Gauge

	// Transport metrics
	transfers        *prometheus.CounterVec
	transferFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_syncs_total",
				Help:      "Mailbox sync cycles by result (ok, skipped, error)",
			},
			[]string{"result"},
		),
		envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_total",
				Help:      "Envelopes ingested from the inbox or flushed to the outbox",
			},
			[]string{"direction", "type"},
		),
		envelopesRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_rejected_total",
				Help:      "Inbox files that failed to unmarshal or validate",
			},
		),

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Tasks handed to a handler, by lock",
			},
			[]string{"lock"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Tasks that reached a terminal status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task run time including the wait for its lock",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Tasks currently held by handlers",
			},
		),

		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_transfers_total",
				Help:      "Objects moved between the spool and the remote store",
			},
			[]string{"channel", "direction"},
		),
		transferFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_transfer_failures_total",
				Help:      "Objects that failed to move",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		m.syncs,
		m.envelopes,
		m.envelopesRejected,
		m.tasksStarted,
		m.tasksCompleted,
		m.taskDuration,
		m.activeTasks,
		m.transfers,
		m.transferFailures,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Mailbox Metrics

// RecordSync counts one mailbox sync cycle.
func (m *Metrics) RecordSync(result string) {
	if !m.enabled() {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
}

// RecordEnvelope counts an envelope moving "in" or "out".
func (m *Metrics) RecordEnvelope(direction, typeName string) {
	if !m.enabled() {
		return
	}
	m.envelopes.WithLabelValues(direction, typeName).Inc()
}

// RecordRejected counts an inbox file that could not be ingested.
func (m *Metrics) RecordRejected() {
	if !m.enabled() {
		return
	}
	m.envelopesRejected.Inc()
}

// Task Metrics

// RecordTaskStarted counts a task handed to a handler.
func (m *Metrics) RecordTaskStarted(lock string) {
	if !m.enabled() {
		return
	}
	m.tasksStarted.WithLabelValues(lock).Inc()
	m.activeTasks.Inc()
}

// RecordTaskCompleted records a task's terminal status and duration.
func (m *Metrics) RecordTaskCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeTasks.Dec()
}

// Transport Metrics

// RecordTransfers counts objects a channel sync moved and failed to move.
func (m *Metrics) RecordTransfers(channel string, pulled, pushed, failed int) {
	if !m.enabled() {
		return
	}
	m.transfers.WithLabelValues(channel, "pull").Add(float64(pulled))
	m.transfers.WithLabelValues(channel, "push").Add(float64(pushed))
	m.transferFailures.WithLabelValues(channel).Add(float64(failed))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx ends. It returns at once when
// metrics are disabled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", server.Addr).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
