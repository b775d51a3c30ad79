package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAttributesCommand(a *app) *cobra.Command {
	var (
		output string
		flat   bool
	)

	cmd := &cobra.Command{
		Use:   "attributes [path...]",
		Short: "Print the resolved attribute tree",
		Long: `Print the attributes after defaults, the flavor overlay and every override
are merged. Derived attributes are shown with their computed values.

With paths, only those attributes are printed.`,
		Example: `  ember-provision attributes -a ha.yaml
  ember-provision attributes -a ha.yaml embergraph.properties embergraph.jetty_dir
  ember-provision attributes --set embergraph.install_flavor=tomcat --flat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			tree, err := a.resolve(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) > 0 {
				for _, p := range args {
					v, err := tree.Get(p)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s = %v\n", p, v)
				}
				return nil
			}

			if flat {
				entries, err := tree.Entries()
				if err != nil {
					return err
				}
				if output != formatText {
					return writeStructured(out, output, entries)
				}
				var b strings.Builder
				for _, e := range entries {
					fmt.Fprintf(&b, "%s = %v\n", e.Path, e.Value)
				}
				_, err = fmt.Fprint(out, b.String())
				return err
			}

			m, err := tree.Map()
			if err != nil {
				return err
			}
			if output == formatText {
				output = formatYAML
			}
			return writeStructured(out, output, m)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatYAML, "Output format (text, json, yaml)")
	cmd.Flags().BoolVar(&flat, "flat", false, "Print one path = value line per attribute in tree order")

	return cmd
}
