package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/procgraph/fieldvm/pkg/graph"
)

func opsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the registered node types and their sockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := graph.Standard()
			for _, name := range reg.Names() {
				nt, _ := reg.NodeType(name)
				var in, out []string
				for _, s := range nt.Inputs() {
					desc := s.Name + ":" + s.Type.Name()
					if s.Kind == graph.MustBeConstant {
						desc += "!"
					}
					in = append(in, desc)
				}
				for _, s := range nt.Outputs() {
					out = append(out, s.Name+":"+s.Type.Name())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s (%s) -> (%s)\n",
					name, strings.Join(in, " "), strings.Join(out, " "))
			}
			return nil
		},
	}
}
