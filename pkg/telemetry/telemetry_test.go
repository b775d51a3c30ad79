package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/host/hosttest"
	"github.com/embergraph/provisioner/pkg/resource"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"watch with endpoint", func(c *Config) {
			*c = *WatchConfig()
			c.Tracing.Endpoint = "collector:4317"
		}, false},
		{"watch without endpoint", func(c *Config) { *c = *WatchConfig() }, true},
		{"disabled exporter unchecked", func(c *Config) { c.Tracing.Exporter = "jaeger" }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"no service", func(c *Config) { c.ServiceName = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})
	cli := l.Component("cli")
	cli.Info().Str("run_id", "run-1").Str("flavor", "ha").Msg("converged")
	cli.Debug().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1:\n%s", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for k, want := range map[string]string{"component": "cli", "run_id": "run-1", "flavor": "ha", "message": "converged"} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %s", k, entry[k], want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	var _ engine.Recorder = m

	m.RecordRunStarted("nss")
	m.RecordStepExecution("file", "applied", time.Second)
	m.RecordStepExecution("file", "satisfied", time.Millisecond)
	m.RecordStepRetry("text_edit")
	m.RecordError("DownloadError")
	m.RecordRunCompleted("nss", "failed", 2*time.Second)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs started", testutil.ToFloat64(m.runsStarted.WithLabelValues("nss")), 1},
		{"runs completed", testutil.ToFloat64(m.runsCompleted.WithLabelValues("nss", "failed")), 1},
		{"applied files", testutil.ToFloat64(m.stepsExecuted.WithLabelValues("file", "applied")), 1},
		{"retries", testutil.ToFloat64(m.stepRetries.WithLabelValues("text_edit")), 1},
		{"errors", testutil.ToFloat64(m.errorsByKind.WithLabelValues("DownloadError")), 1},
		{"active runs", testutil.ToFloat64(m.activeRuns), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordRunStarted("nss")
	m.RecordError("ApplyError")
	if m.Gatherer() != nil {
		t.Error("disabled metrics expose a registry")
	}
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("WriteTextfile() error = %v", err)
	}
}

func TestMetricsTextfile(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordRunStarted("tomcat")
	m.RecordRunCompleted("tomcat", "succeeded", time.Minute)

	path := filepath.Join(t.TempDir(), "embergraph.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := `embergraph_provision_runs_completed_total{flavor="tomcat",status="succeeded"} 1`
	if !strings.Contains(string(data), want) {
		t.Errorf("textfile missing %q:\n%s", want, data)
	}
}

func TestMetricsServer(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordRunStarted("ha")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := m.StartMetricsServer(ctx, zerolog.Nop())
	if err != nil {
		t.Fatalf("StartMetricsServer() error = %v", err)
	}

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if want := `embergraph_provision_runs_started_total{flavor="ha"} 1`; !strings.Contains(string(body), want) {
		t.Errorf("metrics body missing %q:\n%s", want, body)
	}
}

func TestMetricsServerWithoutAddress(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	addr, err := m.StartMetricsServer(context.Background(), zerolog.Nop())
	if addr != nil || err != nil {
		t.Errorf("StartMetricsServer() = %v, %v, want nothing served", addr, err)
	}
}

func TestTelemetryWiresExecutor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "provision.log")
	cfg.Logging.Format = "json"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "embergraph.prom")

	var spans bytes.Buffer
	tel, err := NewTelemetry(cfg, WithStdoutWriter(&spans))
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}

	h := hosttest.New()
	plan := engine.NewPlan("nss", "hash", []resource.Step{
		&resource.Directory{Path: "/opt/embergraph", Owner: "root", Group: "root", Mode: 0o755},
	})
	report, err := engine.NewExecutor(h, tel.ExecutorOptions()...).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if got := testutil.ToFloat64(tel.Metrics.stepsExecuted.WithLabelValues("directory", "applied")); got != 1 {
		t.Errorf("applied directory steps = %v, want 1", got)
	}
	if !strings.Contains(spans.String(), "converge") {
		t.Errorf("run span was not exported:\n%s", spans.String())
	}
	logs, err := os.ReadFile(cfg.Logging.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logs), report.RunID) {
		t.Errorf("log file does not mention run %s", report.RunID)
	}
	if _, err := os.Stat(cfg.Metrics.TextfilePath); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}
}
