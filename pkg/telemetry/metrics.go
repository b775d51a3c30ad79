package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics counts runs, steps and failures on a private registry. It
// satisfies the executor's Recorder interface; a disabled instance has no
// registry and drops everything.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	lastRun       *prometheus.GaugeVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	errorsByKind  *prometheus.CounterVec
}

// NewMetrics registers the collectors when cfg.Enabled is set.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	m.registry = prometheus.NewRegistry()
	f := promauto.With(m.registry)
	ns := cfg.Namespace

	m.runsStarted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "runs_started_total", Help: "Convergence runs started.",
	}, []string{"flavor"})
	m.runsCompleted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "runs_completed_total", Help: "Convergence runs finished, by report status.",
	}, []string{"flavor", "status"})
	m.runDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "run_duration_seconds", Help: "Wall time of convergence runs.", Buckets: buckets,
	}, []string{"flavor", "status"})
	m.activeRuns = f.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "active_runs", Help: "Runs in progress.",
	})
	m.lastRun = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "last_run_timestamp_seconds", Help: "Unix time the last run finished.",
	}, []string{"flavor", "status"})

	m.stepsExecuted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "steps_executed_total", Help: "Steps executed, by resource kind and outcome.",
	}, []string{"kind", "outcome"})
	m.stepDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "step_duration_seconds", Help: "Time spent in probe, diff and apply of one step.", Buckets: buckets,
	}, []string{"kind"})
	m.stepRetries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "step_retries_total", Help: "Extra attempts made under a declared retry.",
	}, []string{"kind"})
	m.errorsByKind = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "errors_total", Help: "Step failures, by error kind.",
	}, []string{"kind"})

	return m, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RecordRunStarted counts a run and marks it active.
func (m *Metrics) RecordRunStarted(flavor string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(flavor).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records the final status of a run.
func (m *Metrics) RecordRunCompleted(flavor, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(flavor, status).Inc()
	m.runDuration.WithLabelValues(flavor, status).Observe(d.Seconds())
	m.lastRun.WithLabelValues(flavor, status).SetToCurrentTime()
	m.activeRuns.Dec()
}

// RecordStepExecution records one step outcome.
func (m *Metrics) RecordStepExecution(kind, outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(kind, outcome).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordStepRetry counts a retried attempt.
func (m *Metrics) RecordStepRetry(kind string) {
	if m.enabled() {
		m.stepRetries.WithLabelValues(kind).Inc()
	}
}

// RecordError counts a failure by error kind.
func (m *Metrics) RecordError(kind string) {
	if m.enabled() {
		m.errorsByKind.WithLabelValues(kind).Inc()
	}
}

// Gatherer returns the registry, or nil when disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// WriteTextfile replaces path with the current metrics in node exporter
// textfile format. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.enabled() || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// StartMetricsServer binds ListenAddress and serves the registry until ctx
// ends. It returns the bound address, or nil when there is nothing to
// serve.
func (m *Metrics) StartMetricsServer(ctx context.Context, log zerolog.Logger) (net.Addr, error) {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	go func() {
		defer stop()
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", ln.Addr().String()).Msg("Metrics server stopped")
		}
	}()
	return ln.Addr(), nil
}
