package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config selects how a provisioning run logs, traces and counts.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	// Environment is recorded as deployment.environment on spans.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig

	// ResourceAttributes are added to the trace resource, e.g. host.name.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	// Output is stdout, stderr or a file path opened for append.
	Output       string
	EnableCaller bool
	NoColor      bool
	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
}

// TracingConfig configures span export. Exporter and Endpoint are only
// checked when Enabled is set.
type TracingConfig struct {
	Enabled            bool
	Exporter           string
	Endpoint           string
	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the prometheus registry and its two outlets:
// an HTTP listener for watch and a node exporter textfile written at exit.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	TextfilePath  string
	Namespace     string
	// DefaultHistogramBuckets are step and run duration buckets in seconds.
	// Downloads and svn builds dominate the upper end.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns the configuration of a one-shot CLI run.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ember-provision",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "embergraph_provision",
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		ResourceAttributes: map[string]string{},
	}
}

// WatchConfig returns the configuration of a long-running watch. Logs carry
// unix timestamps for collectors and spans go to an OTLP collector over TLS
// once an endpoint is set.
func WatchConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Insecure = false
	return cfg
}

var configValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateTracing, TracingConfig{})
	return v
}()

func validateTracing(sl validator.StructLevel) {
	tc := sl.Current().Interface().(TracingConfig)
	if !tc.Enabled {
		return
	}
	switch tc.Exporter {
	case "stdout", "none":
	case "otlp":
		if tc.Endpoint == "" {
			sl.ReportError(tc.Endpoint, "Endpoint", "Endpoint", "required_for_otlp", "")
		}
	default:
		sl.ReportError(tc.Exporter, "Exporter", "Exporter", "exporter", "")
	}
}

// Validate checks the configuration before any exporter is built.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required_for_otlp":
		return fmt.Errorf("otlp exporter requires an endpoint")
	case "oneof", "exporter":
		return fmt.Errorf("invalid %s: %v", fe.Namespace(), fe.Value())
	default:
		return fmt.Errorf("invalid telemetry config: %s failed %s", fe.Namespace(), fe.Tag())
	}
}
