package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ReportSink persists run reports.
type ReportSink interface {
	// SaveReport stores a report. It is called when a run starts and again
	// when it completes.
	SaveReport(ctx context.Context, report *Report) error
}

// Recorder receives execution metrics.
type Recorder interface {
	// RecordRunStarted counts a started run.
	RecordRunStarted(flavor string)

	// RecordRunCompleted records a run's final status and duration.
	RecordRunCompleted(flavor, status string, duration time.Duration)

	// RecordStepExecution records one step's outcome and duration.
	RecordStepExecution(kind, outcome string, duration time.Duration)

	// RecordStepRetry counts a retried attempt.
	RecordStepRetry(kind string)

	// RecordError counts a failure by error kind.
	RecordError(kind string)
}

// Tracer starts spans. Both OpenTelemetry tracers and the telemetry
// package's tracer satisfy it.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

type nopRecorder struct{}

func (nopRecorder) RecordRunStarted(string)                           {}
func (nopRecorder) RecordRunCompleted(string, string, time.Duration)  {}
func (nopRecorder) RecordStepExecution(string, string, time.Duration) {}
func (nopRecorder) RecordStepRetry(string)                            {}
func (nopRecorder) RecordError(string)                                {}
