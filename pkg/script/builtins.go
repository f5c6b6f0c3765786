package script

import (
	"fmt"
	"strings"

	zygo "github.com/glycerine/zygomys/zygo"

	"github.com/procgraph/fieldvm/pkg/graph"
	"github.com/procgraph/fieldvm/pkg/types"
)

// kwPrefix is the marker prepended to keyword names by preprocessSource.
const kwPrefix = "__kw_"

// sexpNodeRef wraps a NodeInstance so it can flow between builtins.
type sexpNodeRef struct {
	node *graph.NodeInstance
}

func (n *sexpNodeRef) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(node %q)", n.node.Name())
}
func (n *sexpNodeRef) Type() *zygo.RegisteredType { return nil }

// sexpVec3 wraps a Float3 literal.
type sexpVec3 struct {
	vec types.Float3
}

func (v *sexpVec3) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(vec3 %g %g %g)", v.vec.X, v.vec.Y, v.vec.Z)
}
func (v *sexpVec3) Type() *zygo.RegisteredType { return nil }

// sexpVec4 wraps a Float4 literal.
type sexpVec4 struct {
	vec types.Float4
}

func (v *sexpVec4) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(vec4 %g %g %g %g)", v.vec.X, v.vec.Y, v.vec.Z, v.vec.W)
}
func (v *sexpVec4) Type() *zygo.RegisteredType { return nil }

// kwArgs holds the positional and keyword arguments of a builtin call.
type kwArgs struct {
	positional []zygo.Sexp
	kw         map[string]zygo.Sexp
}

func parseArgs(args []zygo.Sexp) kwArgs {
	result := kwArgs{kw: make(map[string]zygo.Sexp)}
	i := 0
	for i < len(args) {
		name, ok := isKW(args[i])
		if ok && i+1 < len(args) {
			result.kw[name] = args[i+1]
			i += 2
			continue
		}
		result.positional = append(result.positional, args[i])
		i++
	}
	return result
}

// isKW checks if a Sexp is a preprocessed keyword string.
func isKW(s zygo.Sexp) (string, bool) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(str.S, kwPrefix) {
		return str.S[len(kwPrefix):], true
	}
	return "", false
}

func toFloat32(s zygo.Sexp) (float32, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float32(v.Val), nil
	case *zygo.SexpFloat:
		return float32(v.Val), nil
	}
	return 0, fmt.Errorf("expected number, got %T (%s)", s, s.SexpString(nil))
}

func toString(s zygo.Sexp) (string, error) {
	if str, ok := s.(*zygo.SexpStr); ok {
		return str.S, nil
	}
	return "", fmt.Errorf("expected string, got %T (%s)", s, s.SexpString(nil))
}

func toNode(s zygo.Sexp) (*graph.NodeInstance, error) {
	if ref, ok := s.(*sexpNodeRef); ok {
		return ref.node, nil
	}
	return nil, fmt.Errorf("expected node reference, got %T (%s)", s, s.SexpString(nil))
}

// constantFor converts a script value into a typed constant for a socket.
func constantFor(t *types.TypeSpec, s zygo.Sexp) (types.Constant, error) {
	switch t {
	case types.TFloat:
		f, err := toFloat32(s)
		if err != nil {
			return types.Constant{}, err
		}
		return types.FloatConst(f), nil
	case types.TInt:
		switch v := s.(type) {
		case *zygo.SexpInt:
			return types.IntConst(int32(v.Val)), nil
		case *zygo.SexpBool:
			if v.Val {
				return types.IntConst(1), nil
			}
			return types.IntConst(0), nil
		}
		return types.Constant{}, fmt.Errorf("expected int, got %T (%s)", s, s.SexpString(nil))
	case types.TFloat3:
		if v, ok := s.(*sexpVec3); ok {
			return types.Float3Const(v.vec.X, v.vec.Y, v.vec.Z), nil
		}
		return types.Constant{}, fmt.Errorf("expected (vec3 ...), got %T (%s)", s, s.SexpString(nil))
	case types.TFloat4:
		if v, ok := s.(*sexpVec4); ok {
			return types.Float4Const(v.vec.X, v.vec.Y, v.vec.Z, v.vec.W), nil
		}
		return types.Constant{}, fmt.Errorf("expected (vec4 ...), got %T (%s)", s, s.SexpString(nil))
	case types.TString:
		str, err := toString(s)
		if err != nil {
			return types.Constant{}, err
		}
		return types.StringConst(str), nil
	}
	return types.Constant{}, fmt.Errorf("socket type %s cannot be set from a script", t.Name())
}

// typeFor resolves an output type keyword (:float, :float3, ...) with its
// zero default.
func typeFor(name string) (*types.TypeSpec, types.Constant, error) {
	switch name {
	case "float":
		return types.TFloat, types.FloatConst(0), nil
	case "int":
		return types.TInt, types.IntConst(0), nil
	case "float3":
		return types.TFloat3, types.Float3Const(0, 0, 0), nil
	case "float4":
		return types.TFloat4, types.Float4Const(0, 0, 0, 1), nil
	case "matrix44":
		return types.TMatrix44, types.Matrix44Const(types.Identity44()), nil
	}
	return nil, types.Constant{}, fmt.Errorf("unknown output type %q", name)
}

// registerBuiltins installs the graph-authoring builtins into a zygomys
// environment. The builtins populate g during evaluation.
func registerBuiltins(env *zygo.Zlisp, g *graph.NodeGraph) {

	// (node "ADD_FLOAT" :value_a 1.0 :value_b 2.0)
	// Keyword arguments attach constants to the named input sockets.
	env.AddFunction("node", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("node requires a type name")
		}
		typeName, err := toString(pa.positional[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("node: %w", err)
		}
		n, err := g.AddNode(typeName)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("node: %w", err)
		}
		for socket, val := range pa.kw {
			input, _, ok := n.Type().FindInput(socket)
			if !ok {
				return zygo.SexpNull, fmt.Errorf("node %s: no input %q", typeName, socket)
			}
			c, err := constantFor(input.Type, val)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("node %s: %s: %w", typeName, socket, err)
			}
			if err := n.SetInput(socket, c); err != nil {
				return zygo.SexpNull, fmt.Errorf("node %s: %w", typeName, err)
			}
		}
		return &sexpNodeRef{node: n}, nil
	})

	// (input tex "size" 0.25)
	env.AddFunction("input", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 3 {
			return zygo.SexpNull, fmt.Errorf("input requires node, socket, value")
		}
		n, err := toNode(args[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("input: %w", err)
		}
		socket, err := toString(args[1])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("input: %w", err)
		}
		in, _, ok := n.Type().FindInput(socket)
		if !ok {
			return zygo.SexpNull, fmt.Errorf("input: node %s has no input %q", n.Name(), socket)
		}
		c, err := constantFor(in.Type, args[2])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("input: %s: %w", socket, err)
		}
		if err := n.SetInput(socket, c); err != nil {
			return zygo.SexpNull, fmt.Errorf("input: %w", err)
		}
		return args[0], nil
	})

	// (link from "value" to "position")
	env.AddFunction("link", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 4 {
			return zygo.SexpNull, fmt.Errorf("link requires from-node, from-socket, to-node, to-socket")
		}
		from, err := toNode(args[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("link: %w", err)
		}
		fromSocket, err := toString(args[1])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("link: %w", err)
		}
		to, err := toNode(args[2])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("link: %w", err)
		}
		toSocket, err := toString(args[3])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("link: %w", err)
		}
		if err := g.AddLink(from, fromSocket, to, toSocket, true); err != nil {
			return zygo.SexpNull, fmt.Errorf("link: %w", err)
		}
		return args[2], nil
	})

	// (output "intensity" :float4)
	env.AddFunction("output", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("output requires a name")
		}
		outName, err := toString(pa.positional[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("output: %w", err)
		}
		typeName := "float"
		if len(pa.positional) > 1 {
			if kw, ok := isKW(pa.positional[1]); ok {
				typeName = kw
			}
		}
		typ, def, err := typeFor(typeName)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("output %s: %w", outName, err)
		}
		if err := g.AddOutput(outName, typ, def); err != nil {
			return zygo.SexpNull, fmt.Errorf("output: %w", err)
		}
		return zygo.SexpNull, nil
	})

	// (output-link "intensity" tex "color")
	env.AddFunction("output_link", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 3 {
			return zygo.SexpNull, fmt.Errorf("output-link requires output-name, node, socket")
		}
		outName, err := toString(args[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("output-link: %w", err)
		}
		n, err := toNode(args[1])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("output-link: %w", err)
		}
		socket, err := toString(args[2])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("output-link: %w", err)
		}
		if err := g.SetOutputLink(outName, n, socket); err != nil {
			return zygo.SexpNull, fmt.Errorf("output-link: %w", err)
		}
		return zygo.SexpNull, nil
	})

	// (vec3 1 2 3)
	env.AddFunction("vec3", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 3 {
			return zygo.SexpNull, fmt.Errorf("vec3 requires exactly 3 arguments, got %d", len(args))
		}
		var c [3]float32
		for i, a := range args {
			f, err := toFloat32(a)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("vec3: %w", err)
			}
			c[i] = f
		}
		return &sexpVec3{vec: types.Float3{X: c[0], Y: c[1], Z: c[2]}}, nil
	})

	// (vec4 1 2 3 1)
	env.AddFunction("vec4", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 4 {
			return zygo.SexpNull, fmt.Errorf("vec4 requires exactly 4 arguments, got %d", len(args))
		}
		var c [4]float32
		for i, a := range args {
			f, err := toFloat32(a)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("vec4: %w", err)
			}
			c[i] = f
		}
		return &sexpVec4{vec: types.Float4{X: c[0], Y: c[1], Z: c[2], W: c[3]}}, nil
	})
}
