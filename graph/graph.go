// Package graph holds the dependency graph of component invocations: an
// insertion-ordered arena of nodes, the edges between their ports and the
// dirty set that drives incremental re-execution.
package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/value"
)

// ComponentRef names the component a node runs. Version is a semver
// constraint resolved against the registry.
type ComponentRef struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
}

// Port addresses one port of one node.
type Port struct {
	Node string `yaml:"node"`
	Port string `yaml:"port"`
}

func (p Port) String() string {
	return p.Node + "." + p.Port
}

// Edge connects an output port to an input port.
type Edge struct {
	From Port `yaml:"from"`
	To   Port `yaml:"to"`
}

func (e Edge) String() string {
	return e.From.String() + " -> " + e.To.String()
}

type node struct {
	desc     *component.Descriptor
	grant    *capability.Grant
	id       string
	ref      ComponentRef
	inputs   []value.Named
	outputs  []value.Named
	computed bool
	// generation advances every time the node is marked dirty.
	generation uint64
}

// Node is a read-only snapshot of a node.
type Node struct {
	Descriptor *component.Descriptor
	Grant      *capability.Grant
	ID         string
	Component  ComponentRef
	Inputs     []value.Named
	Outputs    []value.Named
	Computed   bool
	Dirty      bool
	Continuous bool
	// Generation identifies the inputs the snapshot was taken against;
	// see StoreOutputsAt.
	Generation uint64
}

// Graph is safe for concurrent use.
type Graph struct {
	index map[string]int
	dirty *roaring.Bitmap
	nodes []*node
	edges []Edge
	mu    sync.RWMutex
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		dirty: roaring.New(),
	}
}

// NodeOption configures a node added with AddNode.
type NodeOption func(*node)

// WithConstraint records the version constraint the node was created
// from instead of the descriptor's exact version.
func WithConstraint(constraint string) NodeOption {
	return func(n *node) {
		n.ref.Version = constraint
	}
}

// WithGrant attaches the node's capability grant.
func WithGrant(g *capability.Grant) NodeOption {
	return func(n *node) {
		n.grant = g
	}
}

// AddNode appends a node running desc. The new node is dirty.
func (g *Graph) AddNode(id string, desc *component.Descriptor, opts ...NodeOption) error {
	if id == "" {
		return errdefs.NewGraphIntegrity(id, "node id is empty")
	}
	if desc == nil {
		return errdefs.NewGraphIntegrity(id, "node %s has no component", id)
	}
	n := &node{
		id:   id,
		desc: desc,
		ref:  ComponentRef{ID: desc.ID, Version: desc.Version},
	}
	for _, opt := range opts {
		opt(n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.index[id]; exists {
		return errdefs.NewGraphIntegrity(id, "duplicate node id %q", id)
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.markLocked(uint32(g.index[id]))
	return nil
}

// RemoveNode deletes a node and every edge touching it. Nodes it fed
// become dirty.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[id]
	if !ok {
		return errdefs.NewGraphIntegrity(id, "unknown node %q", id)
	}
	g.markDescendantsLocked(idx)

	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From.Node != id && e.To.Node != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept

	dirty := roaring.New()
	g.nodes = slices.Delete(g.nodes, idx, idx+1)
	g.index = make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		g.index[n.id] = i
		old := uint32(i)
		if i >= idx {
			old = uint32(i + 1)
		}
		if g.dirty.Contains(old) {
			dirty.Add(uint32(i))
		}
	}
	g.dirty = dirty
	return nil
}

// AddEdge connects from (an output port) to to (an input port). Unknown
// ports, mismatched kinds, self edges, an already connected input and
// edges closing a cycle are rejected. The destination and its descendants
// become dirty.
func (g *Graph) AddEdge(from, to Port) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge := Edge{From: from, To: to}
	if err := g.checkEdgeLocked(edge); err != nil {
		return err
	}
	if g.reachableLocked(g.index[to.Node], g.index[from.Node]) {
		return errdefs.NewGraphIntegrity(to.Node, "edge %s would create a cycle", edge)
	}
	g.edges = append(g.edges, edge)
	g.markDescendantsLocked(g.index[to.Node])
	return nil
}

func (g *Graph) checkEdgeLocked(e Edge) error {
	fromIdx, ok := g.index[e.From.Node]
	if !ok {
		return errdefs.NewGraphIntegrity(e.From.Node, "edge %s: unknown node %q", e, e.From.Node)
	}
	toIdx, ok := g.index[e.To.Node]
	if !ok {
		return errdefs.NewGraphIntegrity(e.To.Node, "edge %s: unknown node %q", e, e.To.Node)
	}
	if fromIdx == toIdx {
		return errdefs.NewGraphIntegrity(e.To.Node, "edge %s connects a node to itself", e)
	}
	out, ok := g.nodes[fromIdx].desc.Output(e.From.Port)
	if !ok {
		return errdefs.NewGraphIntegrity(e.From.Node, "edge %s: node %s has no output %q", e, e.From.Node, e.From.Port)
	}
	in, ok := g.nodes[toIdx].desc.Input(e.To.Port)
	if !ok {
		return errdefs.NewGraphIntegrity(e.To.Node, "edge %s: node %s has no input %q", e, e.To.Node, e.To.Port)
	}
	if out.Type != in.Type {
		return errdefs.NewGraphIntegrity(e.To.Node, "edge %s: type mismatch, %s output feeds %s input", e, out.Type, in.Type)
	}
	for _, existing := range g.edges {
		if existing.To == e.To {
			return errdefs.NewGraphIntegrity(e.To.Node, "edge %s: input %s is already connected to %s", e, e.To, existing.From)
		}
	}
	return nil
}

// RemoveEdge deletes an edge. The former destination becomes dirty.
func (g *Graph) RemoveEdge(from, to Port) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, e := range g.edges {
		if e.From == from && e.To == to {
			g.edges = slices.Delete(g.edges, i, i+1)
			g.markDescendantsLocked(g.index[to.Node])
			return nil
		}
	}
	return errdefs.NewGraphIntegrity(to.Node, "no edge %s", Edge{From: from, To: to})
}

// SetInput stores a constant value on an input port. Storing a different
// value marks the node and its descendants dirty; storing the same value
// changes nothing.
func (g *Graph) SetInput(nodeID, port string, v value.Value) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[nodeID]
	if !ok {
		return errdefs.NewGraphIntegrity(nodeID, "unknown node %q", nodeID)
	}
	n := g.nodes[idx]
	spec, ok := n.desc.Input(port)
	if !ok {
		return errdefs.NewGraphIntegrity(nodeID, "node %s has no input %q", nodeID, port)
	}
	if k := value.KindOf(v); k != spec.Type {
		return errdefs.NewGraphIntegrity(nodeID, "input %s.%s takes %s, got %s", nodeID, port, spec.Type, k)
	}
	if current, ok := value.Lookup(n.inputs, port); ok && value.Equal(current, v) {
		return nil
	}
	n.inputs = setNamed(n.desc.Inputs, n.inputs, port, value.Clone(v))
	g.markDescendantsLocked(idx)
	return nil
}

// ClearInput removes a stored input value.
func (g *Graph) ClearInput(nodeID, port string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[nodeID]
	if !ok {
		return errdefs.NewGraphIntegrity(nodeID, "unknown node %q", nodeID)
	}
	n := g.nodes[idx]
	before := len(n.inputs)
	n.inputs = slices.DeleteFunc(n.inputs, func(in value.Named) bool { return in.Name == port })
	if len(n.inputs) != before {
		g.markDescendantsLocked(idx)
	}
	return nil
}

// setNamed stores v under name, keeping values in port declaration order.
func setNamed(specs []component.PortSpec, values []value.Named, name string, v value.Value) []value.Named {
	out := make([]value.Named, 0, len(values)+1)
	for _, spec := range specs {
		if spec.Name == name {
			out = append(out, value.Named{Name: name, Value: v})
			continue
		}
		if cur, ok := value.Lookup(values, spec.Name); ok {
			out = append(out, value.Named{Name: spec.Name, Value: cur})
		}
	}
	return out
}

// SetGrant replaces a node's grant. The node and its descendants become dirty.
func (g *Graph) SetGrant(nodeID string, grant *capability.Grant) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[nodeID]
	if !ok {
		return errdefs.NewGraphIntegrity(nodeID, "unknown node %q", nodeID)
	}
	g.nodes[idx].grant = grant
	g.markDescendantsLocked(idx)
	return nil
}

// MarkDirty marks nodes and everything reachable from them dirty.
func (g *Graph) MarkDirty(ids ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		idx, ok := g.index[id]
		if !ok {
			return errdefs.NewGraphIntegrity(id, "unknown node %q", id)
		}
		g.markDescendantsLocked(idx)
	}
	return nil
}

// markDescendantsLocked adds idx and every node reachable from it to the dirty set.
func (g *Graph) markDescendantsLocked(idx int) {
	g.markSetLocked(g.descendantsLocked(idx, true))
}

func (g *Graph) markSetLocked(set *roaring.Bitmap) {
	set.Iterate(func(i uint32) bool {
		g.markLocked(i)
		return true
	})
}

func (g *Graph) markLocked(idx uint32) {
	g.dirty.Add(idx)
	g.nodes[idx].generation++
}

// descendantsLocked returns the nodes reachable from idx.
func (g *Graph) descendantsLocked(idx int, includeSelf bool) *roaring.Bitmap {
	seen := roaring.New()
	stack := []int{idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.edges {
			if e.From.Node != g.nodes[cur].id {
				continue
			}
			next := g.index[e.To.Node]
			if seen.CheckedAdd(uint32(next)) {
				stack = append(stack, next)
			}
		}
	}
	if includeSelf {
		seen.Add(uint32(idx))
	}
	return seen
}

func (g *Graph) reachableLocked(from, to int) bool {
	if from == to {
		return true
	}
	return g.descendantsLocked(from, false).Contains(uint32(to))
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NodeIDs returns node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.id
	}
	return ids
}

// Index returns a node's insertion position.
func (g *Graph) Index(id string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[id]
	return idx, ok
}

// Node returns a snapshot of a node.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	n := g.nodes[idx]
	return Node{
		ID:         n.id,
		Component:  n.ref,
		Descriptor: n.desc,
		Grant:      n.grant,
		Inputs:     value.CloneNamed(n.inputs),
		Outputs:    value.CloneNamed(n.outputs),
		Computed:   n.computed,
		Dirty:      g.dirty.Contains(uint32(idx)),
		Continuous: n.desc.IsContinuous(),
		Generation: n.generation,
	}, true
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges)
}

// Incoming returns the edges feeding a node, ordered by the source node's
// insertion position.
func (g *Graph) Incoming(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var in []Edge
	for _, e := range g.edges {
		if e.To.Node == id {
			in = append(in, e)
		}
	}
	slices.SortStableFunc(in, func(a, b Edge) int {
		return g.index[a.From.Node] - g.index[b.From.Node]
	})
	return in
}

// Predecessors returns the distinct nodes feeding id in insertion order.
func (g *Graph) Predecessors(id string) []string {
	var preds []string
	for _, e := range g.Incoming(id) {
		if !slices.Contains(preds, e.From.Node) {
			preds = append(preds, e.From.Node)
		}
	}
	return preds
}

// Successors returns the distinct nodes fed by id in insertion order.
func (g *Graph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := roaring.New()
	for _, e := range g.edges {
		if e.From.Node == id {
			seen.Add(uint32(g.index[e.To.Node]))
		}
	}
	out := make([]string, 0, seen.GetCardinality())
	it := seen.Iterator()
	for it.HasNext() {
		out = append(out, g.nodes[it.Next()].id)
	}
	return out
}

// Sinks returns nodes without outgoing edges, in insertion order.
func (g *Graph) Sinks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	feeds := roaring.New()
	for _, e := range g.edges {
		feeds.Add(uint32(g.index[e.From.Node]))
	}
	var sinks []string
	for i, n := range g.nodes {
		if !feeds.Contains(uint32(i)) {
			sinks = append(sinks, n.id)
		}
	}
	return sinks
}

// IsDirty reports whether a node needs recomputation.
func (g *Graph) IsDirty(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[id]
	return ok && g.dirty.Contains(uint32(idx))
}

// Dirty returns the dirty nodes in insertion order.
func (g *Graph) Dirty() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, g.dirty.GetCardinality())
	g.dirty.Iterate(func(idx uint32) bool {
		out = append(out, g.nodes[idx].id)
		return true
	})
	return out
}

// StoreOutputs records a node's computed outputs and clears its dirty flag.
func (g *Graph) StoreOutputs(id string, outputs []value.Named) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[id]
	if !ok {
		return errdefs.NewGraphIntegrity(id, "unknown node %q", id)
	}
	n := g.nodes[idx]
	n.outputs = value.CloneNamed(outputs)
	n.computed = true
	g.dirty.Remove(uint32(idx))
	return nil
}

// StoreOutputsAt records outputs computed from the node snapshot taken at
// generation. If the node was marked dirty since, the outputs are kept but
// the node stays dirty so the next run recomputes it. It reports whether
// the dirty flag was cleared.
func (g *Graph) StoreOutputsAt(id string, generation uint64, outputs []value.Named) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[id]
	if !ok {
		return false, errdefs.NewGraphIntegrity(id, "unknown node %q", id)
	}
	n := g.nodes[idx]
	n.outputs = value.CloneNamed(outputs)
	n.computed = true
	if n.generation != generation {
		return false, nil
	}
	g.dirty.Remove(uint32(idx))
	return true, nil
}

// PublishOutputs records outputs produced outside an execution pass, by a
// running continuous node, and marks the nodes it feeds dirty. It
// reports the nodes that became dirty.
func (g *Graph) PublishOutputs(id string, outputs []value.Named) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[id]
	if !ok {
		return nil, errdefs.NewGraphIntegrity(id, "unknown node %q", id)
	}
	n := g.nodes[idx]
	n.outputs = value.CloneNamed(outputs)
	n.computed = true
	g.dirty.Remove(uint32(idx))

	downstream := g.descendantsLocked(idx, false)
	g.markSetLocked(downstream)
	out := make([]string, 0, downstream.GetCardinality())
	downstream.Iterate(func(i uint32) bool {
		out = append(out, g.nodes[i].id)
		return true
	})
	return out, nil
}

// ResetOutputs forgets a node's outputs and marks it and its descendants dirty.
func (g *Graph) ResetOutputs(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[id]
	if !ok {
		return errdefs.NewGraphIntegrity(id, "unknown node %q", id)
	}
	g.nodes[idx].outputs = nil
	g.nodes[idx].computed = false
	g.markDescendantsLocked(idx)
	return nil
}

// Validate reports every structural problem: dangling or mistyped edges,
// cycles and required inputs with no connection, stored value or default.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var problems []string
	connected := make(map[Port]bool, len(g.edges))
	for _, e := range g.edges {
		if err := g.checkEdgeShapeLocked(e); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if connected[e.To] {
			problems = append(problems, fmt.Sprintf("input %s has more than one connection", e.To))
		}
		connected[e.To] = true
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		problems = append(problems, "cycle: "+strings.Join(cycle, " -> "))
	}

	for _, n := range g.nodes {
		for _, spec := range n.desc.Inputs {
			if spec.Optional || spec.Default != nil || connected[Port{Node: n.id, Port: spec.Name}] {
				continue
			}
			if _, ok := value.Lookup(n.inputs, spec.Name); ok {
				continue
			}
			problems = append(problems, fmt.Sprintf("input %s.%s is not connected and has no value or default", n.id, spec.Name))
		}
	}

	if len(problems) > 0 {
		return &errdefs.GraphIntegrityError{Problems: problems}
	}
	return nil
}

func (g *Graph) checkEdgeShapeLocked(e Edge) error {
	fromIdx, ok := g.index[e.From.Node]
	if !ok {
		return fmt.Errorf("edge %s: dangling source %q", e, e.From.Node)
	}
	toIdx, ok := g.index[e.To.Node]
	if !ok {
		return fmt.Errorf("edge %s: dangling destination %q", e, e.To.Node)
	}
	out, ok := g.nodes[fromIdx].desc.Output(e.From.Port)
	if !ok {
		return fmt.Errorf("edge %s: node %s has no output %q", e, e.From.Node, e.From.Port)
	}
	in, ok := g.nodes[toIdx].desc.Input(e.To.Port)
	if !ok {
		return fmt.Errorf("edge %s: node %s has no input %q", e, e.To.Node, e.To.Port)
	}
	if out.Type != in.Type {
		return fmt.Errorf("edge %s: type mismatch, %s output feeds %s input", e, out.Type, in.Type)
	}
	return nil
}

type color uint8

const (
	white color = iota
	gray
	black
)

// findCycleLocked runs a White/Gray/Black depth-first search over all nodes
// in insertion order and returns the node ids of the first cycle found.
func (g *Graph) findCycleLocked() []string {
	succ := make([][]int, len(g.nodes))
	for _, e := range g.edges {
		from, okFrom := g.index[e.From.Node]
		to, okTo := g.index[e.To.Node]
		if okFrom && okTo {
			succ[from] = append(succ[from], to)
		}
	}
	for i := range succ {
		slices.Sort(succ[i])
	}

	colors := make([]color, len(g.nodes))
	var path []int
	var cycle []string
	var visit func(i int) bool
	visit = func(i int) bool {
		colors[i] = gray
		path = append(path, i)
		for _, next := range succ[i] {
			switch colors[next] {
			case gray:
				start := slices.Index(path, next)
				for _, p := range path[start:] {
					cycle = append(cycle, g.nodes[p].id)
				}
				cycle = append(cycle, g.nodes[next].id)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		colors[i] = black
		return false
	}
	for i := range g.nodes {
		if colors[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

// ResolveInputs assembles a node's inputs in declaration order. A connected
// upstream output wins over a stored value, which wins over the port
// default. Optional inputs with none of these are left out.
func (g *Graph) ResolveInputs(id string) ([]value.Named, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[id]
	if !ok {
		return nil, errdefs.NewGraphIntegrity(id, "unknown node %q", id)
	}
	n := g.nodes[idx]
	sources := make(map[string]Port)
	for _, e := range g.edges {
		if e.To.Node == id {
			sources[e.To.Port] = e.From
		}
	}

	inputs := make([]value.Named, 0, len(n.desc.Inputs))
	for _, spec := range n.desc.Inputs {
		from, connected := sources[spec.Name]
		if connected {
			upstream := g.nodes[g.index[from.Node]]
			if v, ok := value.Lookup(upstream.outputs, from.Port); ok {
				inputs = append(inputs, value.Named{Name: spec.Name, Value: value.Clone(v)})
				continue
			}
		}
		if v, ok := value.Lookup(n.inputs, spec.Name); ok {
			inputs = append(inputs, value.Named{Name: spec.Name, Value: value.Clone(v)})
			continue
		}
		if spec.Default != nil {
			inputs = append(inputs, value.Named{Name: spec.Name, Value: value.Clone(spec.Default)})
			continue
		}
		if spec.Optional {
			continue
		}
		if !connected {
			return nil, errdefs.NewGraphIntegrity(id, "input %s.%s has no value", id, spec.Name)
		}
		return nil, &errdefs.ExecutionError{
			ComponentID: n.desc.ID,
			Input:       spec.Name,
			Message:     fmt.Sprintf("upstream %s produced no value", from),
			Remedy:      fmt.Sprintf("make %s always produce %q, or give input %q a default", from.Node, from.Port, spec.Name),
		}
	}
	return inputs, nil
}
