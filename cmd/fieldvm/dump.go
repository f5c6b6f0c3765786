package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/procgraph/fieldvm/pkg/compiler"
)

func dumpCmd() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "dump <script.fvm>",
		Short: "Compile a field script and print its instruction listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			if dot {
				title := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				return g.WriteGraphviz(cmd.OutOrStdout(), title)
			}
			expr, err := compiler.Compile(g, compiler.WithLogger(logger()))
			if err != nil {
				return err
			}
			return expr.Disassemble(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "print the node graph in Graphviz DOT format instead")
	return cmd
}
