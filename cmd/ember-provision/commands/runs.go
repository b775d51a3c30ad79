package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/stores"
)

func newRunsCommand(a *app) *cobra.Command {
	var (
		filter stores.RunFilter
		status string
		output string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long: `List the runs recorded in the state database given with --state, newest
first.`,
		Example: `  ember-provision runs --state /var/lib/ember-provision/state.db
  ember-provision runs --state state.db --status failed --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			if status != "" {
				filter.Status = engine.RunStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				if output != formatText {
					return writeStructured(cmd.OutOrStdout(), output, runs)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tFLAVOR\tHOST\tSTATUS\tSTARTED\tDURATION\tSTEPS\tFAILED STEP")
				for _, r := range runs {
					mode := ""
					if r.DryRun {
						mode = " (dry run)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s%s\t%s\t%s\t%d/%d\t%s\n",
						r.ID, r.Flavor, r.Host, r.Status, mode,
						r.StartedAt.Local().Format(time.DateTime),
						r.Duration.Round(time.Millisecond),
						r.Summary.Applied, r.Summary.Total,
						r.FailedStep)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Flavor, "flavor", "", "Only runs of this flavor")
	cmd.Flags().StringVar(&filter.Host, "host", "", "Only runs against this host")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (running, succeeded, failed, drifted, cancelled)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of runs to skip")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "Output format (text, json, yaml)")

	cmd.AddCommand(newRunsShowCommand(a))
	cmd.AddCommand(newRunsPruneCommand(a))
	cmd.AddCommand(newRunsChecksumsCommand(a))

	return cmd
}

func newRunsShowCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				report, err := store.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if output != formatText {
					return writeStructured(cmd.OutOrStdout(), output, report)
				}
				return report.WriteText(cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatText, "Output format (text, json, yaml)")

	return cmd
}

func newRunsPruneCommand(a *app) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative")
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				n, err := store.PruneRuns(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "Number of recent runs to keep")

	return cmd
}

func newRunsChecksumsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checksums",
		Short: "List the recorded download checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				sums, err := store.ListChecksums(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SHA256\tRECORDED\tSOURCE")
				for _, c := range sums {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.SHA256, c.RecordedAt.Local().Format(time.DateTime), c.Key)
				}
				return tw.Flush()
			})
		},
	}
}

// withStore runs fn with the state database, which must be configured.
func (a *app) withStore(ctx context.Context, fn func(context.Context, *stores.SQLiteStore) error) error {
	if a.opts.state == "" {
		return fmt.Errorf("--state is required")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
