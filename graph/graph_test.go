package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
	"github.com/reglet-dev/reglet-graph/value"
)

func constDesc(id string) *component.Descriptor {
	return &component.Descriptor{
		ID:      id,
		Version: "1.0.0",
		Inputs:  []component.PortSpec{{Name: "value", Type: value.KindU64}},
		Outputs: []component.PortSpec{{Name: "out", Type: value.KindU64}},
	}
}

func addDesc() *component.Descriptor {
	return &component.Descriptor{
		ID:      "add",
		Version: "1.0.0",
		Inputs: []component.PortSpec{
			{Name: "a", Type: value.KindU64},
			{Name: "b", Type: value.KindU64},
		},
		Outputs: []component.PortSpec{{Name: "sum", Type: value.KindU64}},
	}
}

func stringDesc() *component.Descriptor {
	return &component.Descriptor{
		ID:      "upper",
		Version: "1.0.0",
		Inputs:  []component.PortSpec{{Name: "text", Type: value.KindString}},
		Outputs: []component.PortSpec{{Name: "text", Type: value.KindString}},
	}
}

func port(node, name string) graph.Port {
	return graph.Port{Node: node, Port: name}
}

// sumGraph builds A, B -> C(add).
func sumGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode("A", constDesc("const")))
	require.NoError(t, g.AddNode("B", constDesc("const")))
	require.NoError(t, g.AddNode("C", addDesc()))
	require.NoError(t, g.SetInput("A", "value", value.U64(2)))
	require.NoError(t, g.SetInput("B", "value", value.U64(3)))
	require.NoError(t, g.AddEdge(port("A", "out"), port("C", "a")))
	require.NoError(t, g.AddEdge(port("B", "out"), port("C", "b")))
	return g
}

func clean(t *testing.T, g *graph.Graph) {
	t.Helper()
	for _, id := range g.NodeIDs() {
		require.NoError(t, g.StoreOutputs(id, nil))
	}
	require.Empty(t, g.Dirty())
}

func TestGraph_AddEdgeRejects(t *testing.T) {
	tests := []struct {
		name     string
		from, to graph.Port
		contains string
	}{
		{"unknown source", port("X", "out"), port("C", "a"), `unknown node "X"`},
		{"unknown destination", port("A", "out"), port("X", "a"), `unknown node "X"`},
		{"missing output", port("A", "nope"), port("C", "a"), `no output "nope"`},
		{"missing input", port("A", "out"), port("C", "nope"), `no input "nope"`},
		{"self edge", port("C", "sum"), port("C", "a"), "itself"},
		{"already connected", port("B", "out"), port("C", "a"), "already connected"},
		{"type mismatch", port("A", "out"), port("S", "text"), "type mismatch"},
		{"cycle", port("C", "sum"), port("A", "value"), "cycle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := sumGraph(t)
			require.NoError(t, g.AddNode("S", stringDesc()))
			before := g.Edges()

			err := g.AddEdge(tt.from, tt.to)
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrGraphIntegrity)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, before, g.Edges())
		})
	}
}

func TestGraph_DuplicateNode(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("A", constDesc("const")))
	err := g.AddNode("A", constDesc("const"))
	assert.ErrorIs(t, err, errdefs.ErrGraphIntegrity)
	assert.Equal(t, 1, g.Len())
}

func TestGraph_SetInput(t *testing.T) {
	g := sumGraph(t)
	clean(t, g)

	err := g.SetInput("A", "value", value.String("two"))
	assert.ErrorIs(t, err, errdefs.ErrGraphIntegrity)
	assert.ErrorIs(t, g.SetInput("A", "nope", value.U64(1)), errdefs.ErrGraphIntegrity)
	assert.ErrorIs(t, g.SetInput("Z", "value", value.U64(1)), errdefs.ErrGraphIntegrity)
	assert.Empty(t, g.Dirty())

	require.NoError(t, g.SetInput("A", "value", value.U64(2)))
	assert.Empty(t, g.Dirty(), "same value leaves the graph clean")

	require.NoError(t, g.SetInput("A", "value", value.U64(10)))
	assert.Equal(t, []string{"A", "C"}, g.Dirty())
	assert.False(t, g.IsDirty("B"))

	n, ok := g.Node("A")
	require.True(t, ok)
	assert.Equal(t, []value.Named{{Name: "value", Value: value.U64(10)}}, n.Inputs)
}

func TestGraph_SetInputKeepsDeclarationOrder(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("C", addDesc()))
	require.NoError(t, g.SetInput("C", "b", value.U64(2)))
	require.NoError(t, g.SetInput("C", "a", value.U64(1)))

	n, _ := g.Node("C")
	require.Len(t, n.Inputs, 2)
	assert.Equal(t, "a", n.Inputs[0].Name)
	assert.Equal(t, "b", n.Inputs[1].Name)

	require.NoError(t, g.ClearInput("C", "a"))
	n, _ = g.Node("C")
	assert.Equal(t, []value.Named{{Name: "b", Value: value.U64(2)}}, n.Inputs)
}

func TestGraph_DirtyPropagation(t *testing.T) {
	g := sumGraph(t)
	require.NoError(t, g.AddNode("D", constDesc("const")))
	require.NoError(t, g.AddEdge(port("C", "sum"), port("D", "value")))
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Dirty())

	clean(t, g)
	require.NoError(t, g.MarkDirty("B"))
	assert.Equal(t, []string{"B", "C", "D"}, g.Dirty())

	clean(t, g)
	downstream, err := g.PublishOutputs("C", []value.Named{{Name: "sum", Value: value.U64(9)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, downstream)
	assert.Equal(t, []string{"D"}, g.Dirty())

	n, _ := g.Node("C")
	assert.True(t, n.Computed)
	assert.Equal(t, []value.Named{{Name: "sum", Value: value.U64(9)}}, n.Outputs)

	require.NoError(t, g.ResetOutputs("C"))
	n, _ = g.Node("C")
	assert.False(t, n.Computed)
	assert.Equal(t, []string{"C", "D"}, g.Dirty())
}

func TestGraph_RemoveEdgeAndNode(t *testing.T) {
	g := sumGraph(t)
	clean(t, g)

	require.NoError(t, g.RemoveEdge(port("B", "out"), port("C", "b")))
	assert.Equal(t, []string{"C"}, g.Dirty())
	assert.ErrorIs(t, g.RemoveEdge(port("B", "out"), port("C", "b")), errdefs.ErrGraphIntegrity)

	clean(t, g)
	require.NoError(t, g.MarkDirty("B"))
	require.NoError(t, g.RemoveNode("A"))
	assert.Equal(t, []string{"B", "C"}, g.NodeIDs())
	assert.Equal(t, []string{"B", "C"}, g.Dirty())
	assert.Empty(t, g.Edges())

	idx, ok := g.Index("C")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestGraph_Topology(t *testing.T) {
	g := sumGraph(t)
	require.NoError(t, g.AddNode("D", constDesc("const")))
	require.NoError(t, g.AddEdge(port("A", "out"), port("D", "value")))

	assert.Equal(t, []string{"C", "D"}, g.Successors("A"))
	assert.Equal(t, []string{"A", "B"}, g.Predecessors("C"))
	assert.Equal(t, []string{"C", "D"}, g.Sinks())

	in := g.Incoming("C")
	require.Len(t, in, 2)
	assert.Equal(t, "A", in[0].From.Node)
	assert.Equal(t, "B", in[1].From.Node)
}

func TestGraph_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, sumGraph(t).Validate())
	})

	t.Run("unset required input", func(t *testing.T) {
		g := graph.New()
		require.NoError(t, g.AddNode("C", addDesc()))
		require.NoError(t, g.SetInput("C", "a", value.U64(1)))

		err := g.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, errdefs.ErrGraphIntegrity)
		assert.Contains(t, err.Error(), "C.b")
		assert.NotContains(t, err.Error(), "C.a")
	})

	t.Run("defaults and optional inputs", func(t *testing.T) {
		desc := addDesc()
		desc.Inputs[0].Default = value.U64(1)
		desc.Inputs[1].Optional = true
		g := graph.New()
		require.NoError(t, g.AddNode("C", desc))
		assert.NoError(t, g.Validate())
	})
}

func TestGraph_ResolveInputs(t *testing.T) {
	desc := addDesc()
	desc.Inputs = append(desc.Inputs,
		component.PortSpec{Name: "c", Type: value.KindU64, Default: value.U64(7)},
		component.PortSpec{Name: "d", Type: value.KindU64, Optional: true},
	)
	g := graph.New()
	require.NoError(t, g.AddNode("A", constDesc("const")))
	require.NoError(t, g.AddNode("C", desc))
	require.NoError(t, g.SetInput("A", "value", value.U64(1)))
	require.NoError(t, g.SetInput("C", "b", value.U64(2)))
	require.NoError(t, g.AddEdge(port("A", "out"), port("C", "a")))

	_, err := g.ResolveInputs("C")
	assert.ErrorIs(t, err, errdefs.ErrExecution, "upstream has not produced a value")
	var execErr *errdefs.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "a", execErr.Input)

	require.NoError(t, g.SetInput("C", "a", value.U64(100)))
	inputs, err := g.ResolveInputs("C")
	require.NoError(t, err)
	assert.Equal(t, value.U64(100), inputs[0].Value, "stored value stands in until upstream produces one")

	require.NoError(t, g.StoreOutputs("A", []value.Named{{Name: "out", Value: value.U64(1)}}))
	inputs, err = g.ResolveInputs("C")
	require.NoError(t, err)
	assert.Equal(t, []value.Named{
		{Name: "a", Value: value.U64(1)},
		{Name: "b", Value: value.U64(2)},
		{Name: "c", Value: value.U64(7)},
	}, inputs)
}

func TestGraph_StoreOutputsAtStaleGenerationStaysDirty(t *testing.T) {
	g := sumGraph(t)
	n, ok := g.Node("A")
	require.True(t, ok)

	require.NoError(t, g.MarkDirty("A"))
	cleared, err := g.StoreOutputsAt("A", n.Generation, []value.Named{{Name: "out", Value: value.U64(1)}})
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.True(t, g.IsDirty("A"))

	n, _ = g.Node("A")
	assert.True(t, n.Computed)
	cleared, err = g.StoreOutputsAt("A", n.Generation, []value.Named{{Name: "out", Value: value.U64(2)}})
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, g.IsDirty("A"))
}
