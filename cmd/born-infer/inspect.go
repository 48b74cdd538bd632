package main

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/born-ml/infer/internal/modelbin"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE.safetensors",
		Short: "List the tensors of a weight file in load order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := modelbin.MapSafeTensors(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, k := range slices.Sorted(maps.Keys(s.Metadata())) {
				fmt.Fprintf(w, "# %s\t%s\n", k, s.Metadata()[k])
			}
			fmt.Fprintln(w, "NAME\tDTYPE\tSHAPE\tELEMENTS")
			for _, ti := range s.Tensors() {
				fmt.Fprintf(w, "%s\t%s\t%v\t%d\n", ti.Name, ti.DType, ti.Shape, ti.Elements())
			}
			return w.Flush()
		},
	}
}
