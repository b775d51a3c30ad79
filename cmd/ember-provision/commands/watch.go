package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/embergraph/provisioner/pkg/config"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/stores"
	"github.com/embergraph/provisioner/pkg/telemetry"
)

func newWatchCommand(a *app) *cobra.Command {
	var (
		debounce   time.Duration
		reportPath string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Converge, then converge again whenever an override file changes",
		Long: `Watch converges the target once and then watches the override files given
with --attributes. Every change triggers a fresh resolve, plan and
convergence. Runs never overlap: changes made during a run are picked up
after it ends.

A failed run is logged and watching continues. Metrics can be scraped from
--metrics-listen while watching.`,
		Example: `  ember-provision watch -a /etc/embergraph/overrides/ --metrics-listen :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.opts.attributes) == 0 {
				return fmt.Errorf("watch requires at least one --attributes path")
			}
			ctx := cmd.Context()
			log := a.logger("watch")

			addr, err := a.tel.Metrics.StartMetricsServer(ctx, log)
			if err != nil {
				return err
			}
			if addr != nil {
				log.Info().Stringer("address", addr).Msg("Serving metrics")
			}

			loader, err := a.newLoader()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}
			h, release, err := a.openHost(ctx)
			if err != nil {
				return err
			}
			defer release()

			w := &watcher{
				app:    a,
				loader: loader,
				host:   h,
				store:  store,
				out:    cmd.OutOrStdout(),
				opts:   runOptions{dryRun: dryRun, reportPath: reportPath},
			}
			w.run(ctx, "initial")

			log.Info().Strs("paths", a.opts.attributes).Dur("debounce", debounce).Msg("Watching override files")
			return loader.Watch(ctx, a.opts.attributes, debounce, func(path string) {
				w.run(ctx, path)
			})
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "Wait this long for changes to settle")
	cmd.Flags().StringVar(&a.opts.metricsListen, "metrics-listen", "", "Serve prometheus metrics on this address")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the JSON report of the latest run to this file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report drift, never change the target")

	return cmd
}

// watcher holds the connections reused across the runs of a watch.
type watcher struct {
	app    *app
	loader *config.Loader
	host   host.Host
	store  *stores.SQLiteStore
	out    io.Writer
	opts   runOptions
}

// run performs one convergence. Failures are logged, never returned.
func (w *watcher) run(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	log := w.app.logger("watch")
	log.Info().Str("trigger", trigger).Msg("Converging")

	ctx, span := w.app.tel.Tracer.StartCommandSpan(ctx, "watch", w.app.opts.target)
	report, err := w.app.converge(ctx, w.loader, w.host, w.store, w.opts)
	telemetry.EndSpan(span, err)
	if err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Convergence could not start")
		return
	}
	if err := report.WriteText(w.out); err != nil {
		log.Warn().Err(err).Msg("Failed to print report")
	}
	if code := report.ExitCode(); code != 0 {
		log.Warn().Str("run_id", report.RunID).Str("status", string(report.Status)).Int("exit_code", code).Msg("Run did not converge")
	}
}
