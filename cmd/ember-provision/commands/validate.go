package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/flavor"
)

func newValidateCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check overrides, the resulting plan and its policies",
		Long: `Validate loads every override file, resolves the attribute tree, builds
the typed configuration and the plan, checks step ordering and evaluates the
plan policies. Nothing is executed and the target is not contacted.`,
		Example: `  # Validate overrides before a rollout
  ember-provision validate -a ha.yaml -a site.cue

  # Include site policies
  ember-provision validate -a ha.yaml --policy policies/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			ctx := cmd.Context()
			log := a.logger("validate")

			tree, err := a.resolve(ctx)
			if err != nil {
				return err
			}
			cfg, err := attributes.Build(tree)
			if err != nil {
				return err
			}
			hash, err := tree.Hash()
			if err != nil {
				return err
			}
			plan, err := flavor.PlanFor(cfg, hash, flavor.Deps{})
			if err != nil {
				return err
			}
			if _, err := engine.BuildGraph(plan.Steps); err != nil {
				return err
			}
			log.Debug().Str("flavor", plan.Flavor).Int("steps", len(plan.Steps)).Msg("Plan built")

			result, err := a.checkPolicy(ctx, plan, targetName(a.opts.target), false)
			if err != nil {
				if result != nil && output != formatText {
					_ = writeStructured(cmd.OutOrStdout(), output, result)
				}
				return err
			}

			if output != formatText {
				return writeStructured(cmd.OutOrStdout(), output, result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Valid: flavor %s, base version %s, %d steps\n", plan.Flavor, cfg.Common.BaseVersion, len(plan.Steps))
			fmt.Fprintf(out, "Policies: %d evaluated, %d warnings\n", len(result.EvaluatedPolicies), len(result.Warnings))
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "  warning [%s] %s\n", w.Policy, w.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatText, "Output format (text, json, yaml)")

	return cmd
}
