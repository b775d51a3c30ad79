package engine

import (
	"fmt"
	"strings"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/resource"
)

// EdgeType classifies a dependency between two steps.
type EdgeType string

const (
	// EdgeAccount links the step creating a user or group to a step that
	// assigns ownership to it.
	EdgeAccount EdgeType = "account"

	// EdgeSubscribe links a step to a subscriber reacting to its changes.
	EdgeSubscribe EdgeType = "subscribe"
)

// Edge is a dependency: From must run before To.
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Type   EdgeType `json:"type"`
	Reason string   `json:"reason,omitempty"`
}

// Node is a step in the dependency graph.
type Node struct {
	ID           string   `json:"id"`
	Index        int      `json:"index"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// Graph is the dependency graph implied by a plan's steps. Because a plan
// executes in declaration order, every edge must point forward.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []Edge           `json:"edges"`
	Order []string         `json:"order"`
}

// BuildGraph derives account and subscription edges between steps and
// verifies that declaration order satisfies them.
func BuildGraph(steps []resource.Step) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*Node, len(steps)),
		Edges: make([]Edge, 0),
		Order: make([]string, 0, len(steps)),
	}

	users := make(map[string]string)
	groups := make(map[string]string)
	for i, s := range steps {
		id := s.ID()
		g.Nodes[id] = &Node{ID: id, Index: i}
		g.Order = append(g.Order, id)

		if p, ok := s.(resource.Provider); ok {
			provided := p.Provides()
			for _, u := range provided.Users {
				if _, exists := users[u]; !exists {
					users[u] = id
				}
			}
			for _, gr := range provided.Groups {
				if _, exists := groups[gr]; !exists {
					groups[gr] = id
				}
			}
		}
	}

	for _, s := range steps {
		id := s.ID()
		if ref, ok := s.(resource.Referencer); ok {
			refs := ref.References()
			for _, u := range refs.Users {
				if from, ok := users[u]; ok && from != id {
					g.addEdge(Edge{From: from, To: id, Type: EdgeAccount, Reason: "user " + u})
				}
			}
			for _, gr := range refs.Groups {
				if from, ok := groups[gr]; ok && from != id {
					g.addEdge(Edge{From: from, To: id, Type: EdgeAccount, Reason: "group " + gr})
				}
			}
		}
		if meta := s.Declaration(); meta != nil {
			for _, sub := range meta.Subscribes {
				if _, ok := g.Nodes[sub]; !ok {
					return nil, failure.Validation(fmt.Sprintf("step %s subscribes to unknown step %s", id, sub), nil).
						WithStep(id)
				}
				g.addEdge(Edge{From: sub, To: id, Type: EdgeSubscribe})
			}
		}
	}

	if err := g.checkOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addEdge(e Edge) {
	g.Edges = append(g.Edges, e)
	g.Nodes[e.From].Dependents = append(g.Nodes[e.From].Dependents, e.To)
	g.Nodes[e.To].Dependencies = append(g.Nodes[e.To].Dependencies, e.From)
}

// checkOrder rejects edges that point backwards in declaration order.
func (g *Graph) checkOrder() error {
	for _, e := range g.Edges {
		from, to := g.Nodes[e.From], g.Nodes[e.To]
		if from.Index < to.Index {
			continue
		}
		msg := fmt.Sprintf("step %s (#%d) must run after %s (#%d)", e.To, to.Index, e.From, from.Index)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
		return failure.Validation(msg, nil).
			WithStep(e.To).
			WithDetail("edge", string(e.Type))
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format, steps ranked in
// execution order.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, id := range g.Order {
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%d. %s\"];\n", id, i+1, id))
	}
	if len(g.Order) > 0 {
		sb.WriteString("\n")
	}
	for i := 1; i < len(g.Order); i++ {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=dotted, color=gray];\n", g.Order[i-1], g.Order[i]))
	}
	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", e.From, e.To, edgeStyle(e.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func edgeStyle(t EdgeType) string {
	switch t {
	case EdgeSubscribe:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}
