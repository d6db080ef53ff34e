package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/relgraph/relgraph/internal/namespace"
)

var nsCmd = &cobra.Command{
	Use:   "ns",
	Short: "Namespace schema utilities",
}

var nsValidateCmd = &cobra.Command{
	Use:   "validate <schema.yaml>",
	Short: "Parse a namespace schema and report its types",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := namespace.Load(args[0])
		if err != nil {
			return err
		}

		types := reg.Types()
		sort.Strings(types)

		if jsonOutput {
			out := make(map[string]map[string][]string, len(types))
			for _, name := range types {
				def, _ := reg.Definition(name)
				out[name] = map[string][]string{
					"relations":   def.Relations(),
					"permissions": def.Permissions(),
				}
			}
			outputJSON(out)
			return nil
		}

		fmt.Printf("%s: ok, %d types\n", args[0], len(types))
		for _, name := range types {
			def, _ := reg.Definition(name)
			fmt.Printf("  %s  relations=%v permissions=%v\n",
				name, def.Relations(), def.Permissions())
		}
		return nil
	},
}

func init() {
	nsCmd.AddCommand(nsValidateCmd)
	rootCmd.AddCommand(nsCmd)
}
