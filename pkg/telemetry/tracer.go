package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys set by the CLI.
var (
	AttrCommand    = attribute.Key("command")
	AttrTargetHost = attribute.Key("target.host")
)

// Tracer owns the span pipeline of the process. Its embedded trace.Tracer
// satisfies the executor's Tracer interface.
type Tracer struct {
	trace.Tracer
	provider *sdktrace.TracerProvider
}

// TracerOption customizes NewTracer.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	stdout io.Writer
}

// WithStdoutWriter sends the stdout exporter's output to w.
func WithStdoutWriter(w io.Writer) TracerOption {
	return func(o *tracerOptions) { o.stdout = w }
}

// NewTracer builds the tracer provider for cfg and installs it as the
// global provider. With tracing disabled nothing is sampled.
func NewTracer(cfg *Config, opts ...TracerOption) (*Tracer, error) {
	o := tracerOptions{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	tc := cfg.Tracing
	if !tc.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{Tracer: provider.Tracer(cfg.ServiceName), provider: provider}, nil
	}

	exporter, err := newSpanExporter(tc, o.stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(traceResource(cfg)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}
	if exporter != nil {
		var batch []sdktrace.BatchSpanProcessorOption
		if tc.MaxExportBatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize))
		}
		if tc.ExportTimeout > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(tc.ExportTimeout))
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &Tracer{Tracer: provider.Tracer(cfg.ServiceName), provider: provider}, nil
}

// newSpanExporter returns nil for the none exporter: spans are sampled and
// visible to in-process readers but never leave the process. The OTLP
// exporter connects lazily on first export.
func newSpanExporter(tc TracingConfig, stdout io.Writer) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter")
	}
}

func traceResource(cfg *Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	keys := make([]string, 0, len(cfg.ResourceAttributes))
	for k := range cfg.ResourceAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.ResourceAttributes[k]))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// StartCommandSpan starts the span of one CLI command. The executor's run
// span becomes its child.
func (t *Tracer) StartCommandSpan(ctx context.Context, command, target string) (context.Context, trace.Span) {
	return t.Start(ctx, "command "+command, trace.WithAttributes(
		AttrCommand.String(command),
		AttrTargetHost.String(target),
	))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ForceFlush exports pending spans now.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}

// Shutdown exports pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
