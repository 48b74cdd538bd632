package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/born-ml/infer/internal/layers"
	"github.com/spf13/cobra"
)

func newLayersCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "List the layer type table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tBUILT-IN")
			for _, e := range layers.NewRegistry().Entries() {
				if e.New == nil && !all {
					continue
				}
				builtin := "no"
				if e.New != nil {
					builtin = "yes"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", e.Index, e.Name, builtin)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include types without an implementation")
	return cmd
}
