package graph

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/procgraph/fieldvm/pkg/types"
)

// SocketRef addresses one output socket of a node instance, for builder
// convenience.
type SocketRef struct {
	Node   *NodeInstance
	Socket string
}

// Link is a directed edge from a node output socket to a node input
// socket. AllowConversion records whether an implicit conversion may be
// inserted if the two socket types differ.
type Link struct {
	FromNode        *NodeInstance
	FromSocket      string
	ToNode          *NodeInstance
	ToSocket        string
	AllowConversion bool
}

// NodeInstance is one usage of a NodeType inside a graph. Instances are
// exclusively owned by their NodeGraph and identified by insertion index;
// the display name exists only for diagnostics.
type NodeInstance struct {
	graph  *NodeGraph
	index  int
	typ    *NodeType
	name   string
	inputs []inputState // parallel to typ.Inputs()
}

type inputState struct {
	link  *Link
	value *types.Constant
}

// Type returns the instance's NodeType.
func (n *NodeInstance) Type() *NodeType { return n.typ }

// Index returns the insertion index identifying the instance.
func (n *NodeInstance) Index() int { return n.index }

// Name returns the diagnostic display name, falling back to "<type>#<index>".
func (n *NodeInstance) Name() string {
	if n.name != "" {
		return n.name
	}
	return fmt.Sprintf("%s#%d", n.typ.name, n.index)
}

// Output returns a reference to the named output socket, for linking.
func (n *NodeInstance) Output(socket string) SocketRef {
	return SocketRef{Node: n, Socket: socket}
}

// SetInput attaches a constant to an input socket. It fails if the socket
// does not exist, is already linked, or the constant's type differs from
// the socket type.
func (n *NodeInstance) SetInput(socket string, c types.Constant) error {
	input, idx, ok := n.typ.FindInput(socket)
	if !ok {
		return types.NewError(types.ErrUnknownSocket, "node type %q has no input %q", n.typ.name, socket).
			WithNode(n.Name()).WithSocket(socket)
	}
	if n.inputs[idx].link != nil {
		return types.NewError(types.ErrSocketLinked, "input is already linked").
			WithNode(n.Name()).WithSocket(socket)
	}
	if c.Type != input.Type {
		return types.NewError(types.ErrTypeMismatch, "constant type %s does not match socket type %s",
			c.Type.Name(), input.Type.Name()).WithNode(n.Name()).WithSocket(socket)
	}
	n.inputs[idx].value = &c
	return nil
}

// InputLink returns the link feeding an input socket, or nil.
func (n *NodeInstance) InputLink(idx int) *Link { return n.inputs[idx].link }

// InputValue returns the explicit constant attached to an input socket,
// or nil.
func (n *NodeInstance) InputValue(idx int) *types.Constant { return n.inputs[idx].value }

// GraphOutput is one declared graph-level output: a name, a type, a
// default literal, and (once bound) the producing socket.
type GraphOutput struct {
	Name    string
	Type    *types.TypeSpec
	Default types.Constant
	Source  *SocketRef // nil until SetOutputLink binds it
}

// NodeGraph owns all node instances and links of one compilation unit,
// plus its declared outputs. A graph is built by one caller, handed to
// the compiler once, and may be discarded afterwards.
type NodeGraph struct {
	reg     *Registry
	nodes   []*NodeInstance
	outputs []GraphOutput
	logger  *slog.Logger
}

// Option configures a NodeGraph.
type Option func(*NodeGraph)

// WithRegistry selects the NodeType catalog; the default is Standard().
func WithRegistry(r *Registry) Option {
	return func(g *NodeGraph) { g.reg = r }
}

// WithLogger enables debug logging of graph construction.
func WithLogger(l *slog.Logger) Option {
	return func(g *NodeGraph) { g.logger = l }
}

// New creates an empty NodeGraph backed by the standard registry unless
// overridden.
func New(opts ...Option) *NodeGraph {
	g := &NodeGraph{}
	for _, opt := range opts {
		opt(g)
	}
	if g.reg == nil {
		g.reg = Standard()
	}
	return g
}

// Registry returns the NodeType catalog the graph resolves against.
func (g *NodeGraph) Registry() *Registry { return g.reg }

// Nodes returns the node instances in insertion order.
func (g *NodeGraph) Nodes() []*NodeInstance { return g.nodes }

// Outputs returns the declared graph outputs.
func (g *NodeGraph) Outputs() []GraphOutput { return g.outputs }

// AddOutput declares a graph-level output with its type and default
// literal. Outputs are declared up front, before nodes are added.
func (g *NodeGraph) AddOutput(name string, typ *types.TypeSpec, def types.Constant) error {
	if def.Type != typ {
		return types.NewError(types.ErrTypeMismatch, "default type %s does not match output type %s",
			def.Type.Name(), typ.Name()).WithSocket(name)
	}
	for _, o := range g.outputs {
		if o.Name == name {
			return types.NewError(types.ErrUnknownOutput, "output %q already declared", name)
		}
	}
	g.outputs = append(g.outputs, GraphOutput{Name: name, Type: typ, Default: def})
	return nil
}

// AddNode creates a node instance of the named type. The optional display
// name is used only in diagnostics.
func (g *NodeGraph) AddNode(typeName string, displayName ...string) (*NodeInstance, error) {
	nt, ok := g.reg.NodeType(typeName)
	if !ok {
		return nil, types.NewError(types.ErrUnknownNodeType, "unknown node type %q", typeName)
	}
	n := &NodeInstance{
		graph:  g,
		index:  len(g.nodes),
		typ:    nt,
		inputs: make([]inputState, len(nt.inputs)),
	}
	if len(displayName) > 0 {
		n.name = displayName[0]
	}
	g.nodes = append(g.nodes, n)
	return n, nil
}

// AddLink connects a node output to a node input. If the socket types
// differ, the link is only accepted when allowConversion is true and a
// conversion is registered for the type pair.
//
// Re-linking an input that already has a link replaces the previous link
// (last write wins).
func (g *NodeGraph) AddLink(from *NodeInstance, fromSocket string, to *NodeInstance, toSocket string, allowConversion bool) error {
	fromOut, _, ok := from.typ.FindOutput(fromSocket)
	if !ok {
		return types.NewError(types.ErrUnknownSocket, "node type %q has no output %q", from.typ.name, fromSocket).
			WithNode(from.Name()).WithSocket(fromSocket)
	}
	toIn, toIdx, ok := to.typ.FindInput(toSocket)
	if !ok {
		return types.NewError(types.ErrUnknownSocket, "node type %q has no input %q", to.typ.name, toSocket).
			WithNode(to.Name()).WithSocket(toSocket)
	}
	if toIn.Kind == MustBeConstant {
		return types.NewError(types.ErrConstantInput, "input accepts only constant values").
			WithNode(to.Name()).WithSocket(toSocket)
	}
	if fromOut.Type != toIn.Type {
		if !allowConversion {
			return types.NewError(types.ErrTypeMismatch, "cannot link %s output to %s input without conversion",
				fromOut.Type.Name(), toIn.Type.Name()).WithNode(to.Name()).WithSocket(toSocket)
		}
		if _, ok := ConversionOp(fromOut.Type, toIn.Type); !ok {
			return types.NewError(types.ErrTypeMismatch, "no conversion from %s to %s",
				fromOut.Type.Name(), toIn.Type.Name()).WithNode(to.Name()).WithSocket(toSocket)
		}
	}
	if prev := to.inputs[toIdx].link; prev != nil && g.logger != nil {
		g.logger.Debug("replacing link", "node", to.Name(), "socket", toSocket,
			"previous", prev.FromNode.Name())
	}
	to.inputs[toIdx].link = &Link{
		FromNode:        from,
		FromSocket:      fromSocket,
		ToNode:          to,
		ToSocket:        toSocket,
		AllowConversion: allowConversion,
	}
	return nil
}

// Connect links a SocketRef to a node input with conversion enabled.
func (g *NodeGraph) Connect(from SocketRef, to *NodeInstance, toSocket string) error {
	return g.AddLink(from.Node, from.Socket, to, toSocket, true)
}

// SetOutputLink binds a declared graph output to a node output socket.
// The socket type must match the declared output type exactly; implicit
// conversion is not applied at the graph boundary.
func (g *NodeGraph) SetOutputLink(outputName string, node *NodeInstance, socket string) error {
	out, _, ok := node.typ.FindOutput(socket)
	if !ok {
		return types.NewError(types.ErrUnknownSocket, "node type %q has no output %q", node.typ.name, socket).
			WithNode(node.Name()).WithSocket(socket)
	}
	for i := range g.outputs {
		if g.outputs[i].Name != outputName {
			continue
		}
		if g.outputs[i].Type != out.Type {
			return types.NewError(types.ErrTypeMismatch, "output %q has type %s, socket provides %s",
				outputName, g.outputs[i].Type.Name(), out.Type.Name()).WithNode(node.Name()).WithSocket(socket)
		}
		g.outputs[i].Source = &SocketRef{Node: node, Socket: socket}
		return nil
	}
	return types.NewError(types.ErrUnknownOutput, "graph has no declared output %q", outputName)
}

// WriteGraphviz dumps the graph in DOT format for debugging.
func (g *NodeGraph) WriteGraphviz(w io.Writer, title string) error {
	if _, err := fmt.Fprintf(w, "digraph %q {\n  rankdir=LR;\n  node [shape=box];\n", title); err != nil {
		return err
	}
	for _, n := range g.nodes {
		if _, err := fmt.Fprintf(w, "  n%d [label=%q];\n", n.index, n.Name()); err != nil {
			return err
		}
	}
	for _, n := range g.nodes {
		for _, st := range n.inputs {
			if st.link == nil {
				continue
			}
			l := st.link
			if _, err := fmt.Fprintf(w, "  n%d -> n%d [label=\"%s:%s\"];\n",
				l.FromNode.index, l.ToNode.index, l.FromSocket, l.ToSocket); err != nil {
				return err
			}
		}
	}
	for i, o := range g.outputs {
		if o.Source == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "  out%d [label=%q shape=ellipse];\n  n%d -> out%d;\n",
			i, o.Name, o.Source.Node.index, i); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
