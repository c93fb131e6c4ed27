package engine

import (
	"slices"

	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
)

type color uint8

const (
	white color = iota
	gray
	black
)

// plan is the set of nodes a run covers, in dependency order.
type plan struct {
	order []string
	// preds and succs only hold nodes inside the plan.
	preds map[string][]string
	succs map[string][]string
}

// buildPlan walks the graph depth first from roots, visiting predecessors
// in insertion order. Reaching a node that is still on the stack means the
// graph has a cycle.
func buildPlan(g *graph.Graph, roots []string) (*plan, error) {
	colors := make(map[string]color, g.Len())
	p := &plan{
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch colors[id] {
		case black:
			return nil
		case gray:
			start := slices.Index(path, id)
			cycle := append(slices.Clone(path[start:]), id)
			return errdefs.NewGraphIntegrity(id, "cycle reached during execution: %v", cycle)
		}
		colors[id] = gray
		path = append(path, id)
		for _, pred := range g.Predecessors(id) {
			if err := visit(pred, path); err != nil {
				return err
			}
			p.preds[id] = append(p.preds[id], pred)
			p.succs[pred] = append(p.succs[pred], id)
		}
		colors[id] = black
		p.order = append(p.order, id)
		return nil
	}

	for _, root := range roots {
		if _, ok := g.Node(root); !ok {
			return nil, errdefs.NewGraphIntegrity(root, "unknown target node %q", root)
		}
		if err := visit(root, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}
