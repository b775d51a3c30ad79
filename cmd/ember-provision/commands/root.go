package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/embergraph/provisioner/pkg/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	attributes      []string
	set             []string
	target          string
	identity        string
	insecureHostKey bool
	state           string
	logLevel        string
	logFormat       string
	metricsFile     string
	metricsListen   string
	traceExporter   string
	traceEndpoint   string
	policies        []string
}

// app is the state shared by the commands of one invocation.
type app struct {
	opts      globalOptions
	version   string
	commit    string
	buildDate string
	tel       *telemetry.Telemetry
}

// Execute runs the root command with args.
func Execute(ctx context.Context, args []string, version, commit, buildDate string) error {
	a := &app{version: version, commit: commit, buildDate: buildDate}
	rootCmd := newRootCommand(a)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := a.tel.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Telemetry shutdown failed")
		}
	}
	return err
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ember-provision",
		Short: "Provision embergraph hosts from attribute overrides",
		Long: `ember-provision converges a host into an embergraph installation.

Attributes are resolved from built-in defaults, the overlay of the selected
install flavor (nss, tomcat or ha) and deployment overrides. The resulting
plan of idempotent steps is executed in order against the local machine or
a remote host over SSH.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", a.version, a.commit, a.buildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringArrayVarP(&a.opts.attributes, "attributes", "a", nil, "Override file or directory (yaml, json, cue, hcl, star); repeatable")
	flags.StringArrayVar(&a.opts.set, "set", nil, "Override a single attribute, e.g. embergraph.install_flavor=ha")
	flags.StringVar(&a.opts.target, "target", "local", "Host to provision: local or ssh://[user@]host[:port]")
	flags.StringVar(&a.opts.identity, "identity", "", "Private key for SSH targets")
	flags.BoolVar(&a.opts.insecureHostKey, "insecure-skip-host-key", false, "Do not verify SSH host keys against known_hosts")
	flags.StringVar(&a.opts.state, "state", "", "SQLite state database recording runs and download checksums")
	flags.StringVar(&a.opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&a.opts.logFormat, "log-format", "console", "Log format (console, json)")
	flags.StringVar(&a.opts.metricsFile, "metrics-file", "", "Write prometheus metrics to this textfile when the command ends")
	flags.StringVar(&a.opts.traceExporter, "trace-exporter", "none", "Trace exporter (none, stdout, otlp)")
	flags.StringVar(&a.opts.traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint; watch connects over TLS")
	flags.StringArrayVar(&a.opts.policies, "policy", nil, "Rego policy file or directory; repeatable")

	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newConvergeCommand(a))
	rootCmd.AddCommand(newDriftCommand(a))
	rootCmd.AddCommand(newAttributesCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newRunsCommand(a))
	rootCmd.AddCommand(newWatchCommand(a))

	return rootCmd
}

// setup builds the telemetry bundle from the global flags and installs its
// logger as the global one.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg := telemetry.DefaultConfig()
	if cmd.Name() == "watch" {
		cfg = telemetry.WatchConfig()
		cfg.Tracing.Enabled = false
	}
	cfg.ServiceVersion = a.version
	cfg.ResourceAttributes["embergraph.target"] = a.opts.target
	cfg.Logging.Level = a.opts.logLevel
	cfg.Logging.Format = a.opts.logFormat
	cfg.Metrics.TextfilePath = a.opts.metricsFile
	cfg.Metrics.ListenAddress = a.opts.metricsListen
	if a.opts.traceExporter != "" && a.opts.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = a.opts.traceExporter
		cfg.Tracing.Endpoint = a.opts.traceEndpoint
	}

	// Spans go to stderr so they never mix with command output.
	tel, err := telemetry.NewTelemetry(cfg, telemetry.WithStdoutWriter(os.Stderr))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	log.Logger = tel.Logger.Zerolog()
	zerolog.SetGlobalLevel(telemetry.ParseLevel(a.opts.logLevel))
	return nil
}

// logger returns the logger of a CLI component.
func (a *app) logger(component string) zerolog.Logger {
	if a.tel == nil {
		return log.Logger
	}
	return a.tel.Logger.Component(component)
}
