package commands

import (
	"github.com/spf13/cobra"
)

func newConvergeCommand(a *app) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Bring the target to the planned state",
		Long: `Resolve attributes, build the plan for the selected flavor and run it
step by step against the target.

Steps already in their desired state are left alone. The run stops at the
first failing step and exits non-zero; a cancelled run exits 130.`,
		Example: `  # Converge the local machine
  ember-provision converge -a nss.yaml

  # Converge a remote node and keep a JSON report
  ember-provision converge -a ha.yaml --target ssh://ubuntu@node1 --report run.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOnce(cmd.Context(), "converge", cmd.OutOrStdout(), runOptions{reportPath: reportPath})
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "Write the JSON run report to this file")

	return cmd
}

func newDriftCommand(a *app) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Report the steps that would change the target",
		Long: `Probe every step of the plan without changing the target.

Exits 0 when the target is converged, 2 when some step would apply and 1
when a step cannot be probed or the target has drifted in a way a
convergence would refuse to fix.`,
		Example: `  # Check a remote node
  ember-provision drift -a ha.yaml --target ssh://ubuntu@node1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOnce(cmd.Context(), "drift", cmd.OutOrStdout(), runOptions{dryRun: true, reportPath: reportPath})
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "Write the JSON run report to this file")

	return cmd
}
