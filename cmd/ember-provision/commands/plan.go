package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/embergraph/provisioner/pkg/engine"
)

func newPlanCommand(a *app) *cobra.Command {
	var (
		output string
		asJSON bool
		dot    string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the steps a convergence would run",
		Long: `Resolve attributes, select the install flavor and print its plan.

The plan is not executed and the target is not contacted.`,
		Example: `  # Show the plan for an HA node
  ember-provision plan -a ha.yaml

  # Plan as JSON, with the dependency graph for Graphviz
  ember-provision plan -a nss.yaml --json --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				output = formatJSON
			}
			if err := checkFormat(output); err != nil {
				return err
			}
			tree, err := a.resolve(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := a.buildPlan(tree, nil)
			if err != nil {
				return err
			}

			if dot != "" {
				graph, err := engine.BuildGraph(plan.Steps)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dot, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
			}

			if output == formatText {
				return writePlanText(cmd.OutOrStdout(), plan.View())
			}
			return writeStructured(cmd.OutOrStdout(), output, plan)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatText, "Output format (text, json, yaml)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Shorthand for --output json")
	cmd.Flags().StringVar(&dot, "dot", "", "Write the step graph in DOT format to this file")

	return cmd
}

func writePlanText(w io.Writer, v engine.PlanView) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s: flavor %s, %d steps (attributes %.12s)\n", v.ID, v.Flavor, len(v.Steps), v.AttributesHash)
	for _, s := range v.Steps {
		fmt.Fprintf(&b, "  %3d. %-16s %s\n", s.Index+1, s.Kind, s.ID)
		if s.Guard != "" {
			fmt.Fprintf(&b, "       when %s\n", s.Guard)
		}
		if len(s.Subscribes) > 0 {
			fmt.Fprintf(&b, "       after %s\n", strings.Join(s.Subscribes, ", "))
		}
		if s.Retry != nil && s.Retry.MaxAttempts > 1 {
			fmt.Fprintf(&b, "       retry %d times every %s\n", s.Retry.MaxAttempts, s.Retry.Delay)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
