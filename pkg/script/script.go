// Package script provides a Lisp authoring layer for field graphs.
//
// It wraps zygomys in a sandboxed environment and exposes a small set of
// builtins (node, input, link, output, output-link) that populate a
// graph.NodeGraph during evaluation. The package stands in for an
// external node editor: anything a visual editor would express maps
// one-to-one onto a script.
//
// # Example
//
//	(output "intensity" :float4)
//	(def co (node "TEX_COORD"))
//	(def tex (node "TEX_PROC_CLOUDS" :depth 2 :nabla 0.025))
//	(link co "value" tex "position")
//	(input tex "size" 0.25)
//	(output-link "intensity" tex "color")
package script

import (
	"fmt"
	"time"

	zygo "github.com/glycerine/zygomys/zygo"

	"github.com/procgraph/fieldvm/pkg/graph"
)

// Engine evaluates field scripts. It is safe for concurrent use; every
// Evaluate call runs in a fresh sandboxed environment, so scripts cannot
// observe each other.
type Engine struct {
	reg     *graph.Registry
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry selects the NodeType catalog scripts build against; the
// default is graph.Standard().
func WithRegistry(r *graph.Registry) Option {
	return func(e *Engine) { e.reg = r }
}

// WithTimeout bounds the run time of a single Evaluate call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates a script engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	if e.reg == nil {
		e.reg = graph.Standard()
	}
	return e
}

type evalResult struct {
	graph *graph.NodeGraph
	err   error
}

// Evaluate runs a script and returns the NodeGraph it built. Parse and
// runtime errors in the script, graph construction errors raised by the
// builtins, and timeouts all surface as errors.
func (e *Engine) Evaluate(source string) (*graph.NodeGraph, error) {
	ch := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("panic during evaluation: %v", r)}
			}
		}()
		g, err := e.evaluate(source)
		ch <- evalResult{graph: g, err: err}
	}()

	select {
	case res := <-ch:
		return res.graph, res.err
	case <-time.After(e.timeout):
		return nil, fmt.Errorf("script evaluation exceeded %v", e.timeout)
	}
}

func (e *Engine) evaluate(source string) (*graph.NodeGraph, error) {
	g := graph.New(graph.WithRegistry(e.reg))

	// Sandbox mode keeps user code away from the filesystem and syscalls.
	env := zygo.NewZlispSandbox()
	defer env.Stop()
	registerBuiltins(env, g)

	if err := env.LoadString(preprocessSource(source)); err != nil {
		return nil, fmt.Errorf("script parse: %w", err)
	}
	if _, err := env.Run(); err != nil {
		return nil, fmt.Errorf("script run: %w", err)
	}
	return g, nil
}

// preprocessSource rewrites script conveniences into plain zygomys syntax:
// :keyword tokens become recognizable string literals, ; line comments
// become // comments, and kebab-case identifiers become underscore form
// (zygomys reads a bare hyphen as subtraction). String literal boundaries
// are respected.
func preprocessSource(source string) string {
	result := make([]byte, 0, len(source)+len(source)/4)
	b := []byte(source)
	i := 0
	for i < len(b) {
		if b[i] == '"' {
			result = append(result, b[i])
			i++
			for i < len(b) && b[i] != '"' {
				if b[i] == '\\' && i+1 < len(b) {
					result = append(result, b[i], b[i+1])
					i += 2
					continue
				}
				result = append(result, b[i])
				i++
			}
			if i < len(b) {
				result = append(result, b[i])
				i++
			}
			continue
		}
		if b[i] == ';' {
			result = append(result, '/', '/')
			for i < len(b) && b[i] == ';' {
				i++
			}
			for i < len(b) && b[i] != '\n' {
				result = append(result, b[i])
				i++
			}
			continue
		}
		if b[i] == ':' && i+1 < len(b) && isLetter(b[i+1]) {
			j := i + 1
			for j < len(b) && isKWChar(b[j]) {
				j++
			}
			result = append(result, '"')
			result = append(result, kwPrefix...)
			for _, c := range b[i+1 : j] {
				if c == '-' {
					c = '_'
				}
				result = append(result, c)
			}
			result = append(result, '"')
			i = j
			continue
		}
		if b[i] == '-' && i > 0 && i+1 < len(b) && isIdentChar(b[i-1]) && isLetter(b[i+1]) {
			result = append(result, '_')
			i++
			continue
		}
		result = append(result, b[i])
		i++
	}
	return string(result)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKWChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

func isIdentChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}
