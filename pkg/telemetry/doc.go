// Package telemetry provides the logging, tracing and metrics used by the
// provisioner.
//
// Three pieces are combined in a Telemetry bundle:
//
//  1. Structured logging with zerolog, as console or JSON output
//  2. Tracing with OpenTelemetry, exported to stdout or an OTLP collector
//  3. Prometheus metrics on a private registry
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/embergraph.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	exec := engine.NewExecutor(h, tel.ExecutorOptions()...)
//
// ExecutorOptions hands the executor a component logger, the metrics
// recorder and the tracer. The executor opens one span per run and one per
// step, and logs each step with its run_id, step and kind fields.
//
// # Metrics
//
// All metrics use the configured namespace (embergraph_provision by default):
//
//	runs_started_total{flavor}
//	runs_completed_total{flavor,status}
//	run_duration_seconds{flavor,status}
//	steps_executed_total{kind,outcome}
//	step_duration_seconds{kind}
//	step_retries_total{kind}
//	errors_total{kind}
//	last_run_timestamp_seconds{flavor,status}
//
// A one-shot converge writes them to a node exporter textfile on shutdown.
// The long-running watch command can serve them over HTTP instead.
package telemetry
