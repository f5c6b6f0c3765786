package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/procgraph/fieldvm/pkg/compiler"
	"github.com/procgraph/fieldvm/pkg/dual"
	"github.com/procgraph/fieldvm/pkg/vm"
)

func benchCmd() *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "bench <script.fvm>",
		Short: "Time repeated evaluation on both backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			expr, err := compiler.Compile(g, compiler.WithLogger(logger()))
			if err != nil {
				return err
			}

			data := &vm.EvalData{}
			ectx := vm.NewContext()
			start := time.Now()
			for i := 0; i < iterations; i++ {
				data.Texture.Co.X = float32(i) * 0.001
				if err := ectx.Eval(nil, data, expr, nil); err != nil {
					return err
				}
			}
			interp := time.Since(start)
			fmt.Fprintf(cmd.OutOrStdout(), "interpreter: %d evals in %v (%.1f ns/eval)\n",
				iterations, interp, float64(interp.Nanoseconds())/float64(iterations))

			ctx := context.Background()
			backend, err := dual.NewBackend(ctx, dual.WithLogger(logger()))
			if err != nil {
				return err
			}
			defer backend.Close(ctx)
			dexpr, err := backend.Compile(ctx, expr)
			if err != nil {
				return err
			}
			inst, err := dexpr.NewInstance(ctx, backend)
			if err != nil {
				return err
			}
			defer inst.Close(ctx)

			start = time.Now()
			for i := 0; i < iterations; i++ {
				data.Texture.Co.X = float32(i) * 0.001
				if err := inst.Evaluate(ctx, nil, data, nil); err != nil {
					return err
				}
			}
			dualDur := time.Since(start)
			fmt.Fprintf(cmd.OutOrStdout(), "dual:        %d evals in %v (%.1f ns/eval)\n",
				iterations, dualDur, float64(dualDur.Nanoseconds())/float64(iterations))
			return nil
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 100000, "evaluation count per backend")
	return cmd
}
