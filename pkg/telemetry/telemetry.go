package telemetry

import (
	"context"
	"errors"

	"github.com/embergraph/provisioner/pkg/engine"
)

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a telemetry bundle from configuration.
func NewTelemetry(cfg *Config, opts ...TracerOption) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg, opts...)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// ExecutorOptions wires the bundle into a plan executor.
func (t *Telemetry) ExecutorOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(t.Logger.Component("executor")),
		engine.WithRecorder(t.Metrics),
		engine.WithTracer(t.Tracer),
	}
}

// Flush writes the metrics textfile, if configured, and exports pending
// spans.
func (t *Telemetry) Flush(ctx context.Context) error {
	return errors.Join(
		t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath),
		t.Tracer.ForceFlush(ctx),
	)
}

// Shutdown flushes and stops every component.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
