package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/procgraph/fieldvm/pkg/compiler"
	"github.com/procgraph/fieldvm/pkg/dual"
	"github.com/procgraph/fieldvm/pkg/graph"
	"github.com/procgraph/fieldvm/pkg/script"
	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

func parseVec3(s string) (types.Float3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return types.Float3{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var c [3]float32
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return types.Float3{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
		c[i] = float32(f)
	}
	return types.Float3{X: c[0], Y: c[1], Z: c[2]}, nil
}

func loadGraph(path string) (*graph.NodeGraph, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return script.NewEngine().Evaluate(string(source))
}

func formatSlots(t *types.TypeSpec, slots []float32) string {
	if t.SlotCount() == 1 {
		return fmt.Sprintf("%g", slots[0])
	}
	parts := make([]string, len(slots))
	for i, f := range slots {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func runCmd() *cobra.Command {
	var at string
	var seed uint64
	var useDual bool

	cmd := &cobra.Command{
		Use:   "run <script.fvm>",
		Short: "Evaluate a field script at a sample position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			co, err := parseVec3(at)
			if err != nil {
				return err
			}
			expr, err := compiler.Compile(g, compiler.WithLogger(logger()))
			if err != nil {
				return err
			}
			data := &vm.EvalData{Seed: seed}
			data.Texture.Co = co
			data.Effector.Position = co

			if useDual {
				return runDual(cmd, expr, data)
			}

			ectx := vm.NewContext()
			results := make([][]float32, len(expr.Outputs()))
			for i, o := range expr.Outputs() {
				results[i] = make([]float32, o.Type.SlotCount())
			}
			if err := ectx.Eval(nil, data, expr, results); err != nil {
				return err
			}
			for i, o := range expr.Outputs() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", o.Name, formatSlots(o.Type, results[i]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "0,0,0", "sample position x,y,z")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed")
	cmd.Flags().BoolVar(&useDual, "dual", false, "use the dual-value backend and print derivatives")
	return cmd
}

func runDual(cmd *cobra.Command, expr *vm.Expression, data *vm.EvalData) error {
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

	results := make([]dual.Result, len(expr.Outputs()))
	for i, o := range expr.Outputs() {
		results[i] = dual.Result{
			Value: make([]float32, o.Type.SlotCount()),
			Dx:    make([]float32, o.Type.SlotCount()),
			Dy:    make([]float32, o.Type.SlotCount()),
		}
	}
	if err := inst.Evaluate(ctx, nil, data, results); err != nil {
		return err
	}
	for i, o := range expr.Outputs() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s  dx=%s  dy=%s\n", o.Name,
			formatSlots(o.Type, results[i].Value),
			formatSlots(o.Type, results[i].Dx),
			formatSlots(o.Type, results[i].Dy))
	}
	return nil
}
