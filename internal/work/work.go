// Package work runs a DAG of terminal commands concurrently, respecting
// dependency order, a bounded worker count, fail-fast cancellation, and
// cohesive (non-interleaved) output per work item.
package work

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Work is one schedulable unit. Its String form doubles as its graph-edge
// identity: two Work values with the same String() are the same node.
type Work interface {
	fmt.Stringer
	Run(ctx context.Context) error
}

// Graph is a DAG of Work nodes keyed by their String() identity.
type Graph struct {
	nodes    map[string]Work
	prereqs  map[string][]string
	addOrder []string
}

// NewGraph returns an empty work graph.
func NewGraph() *Graph {
	return &Graph{nodes: map[string]Work{}, prereqs: map[string][]string{}}
}

// AddNode registers w (if not already present) and appends any given
// prereqs as additional dependencies. Calling AddNode again for the same
// node accumulates more prereqs rather than replacing them.
func (g *Graph) AddNode(w Work, prereqs ...Work) {
	key := w.String()
	if _, ok := g.nodes[key]; !ok {
		g.nodes[key] = w
		g.addOrder = append(g.addOrder, key)
	}
	for _, p := range prereqs {
		g.AddNode(p)
		g.addPrereq(key, p.String())
	}
}

func (g *Graph) addPrereq(key, prereqKey string) {
	for _, existing := range g.prereqs[key] {
		if existing == prereqKey {
			return
		}
	}
	g.prereqs[key] = append(g.prereqs[key], prereqKey)
}

// Nodes returns every node in the order it was first added.
func (g *Graph) Nodes() []Work {
	nodes := make([]Work, 0, len(g.addOrder))
	for _, key := range g.addOrder {
		nodes = append(nodes, g.nodes[key])
	}
	return nodes
}

// Prereqs returns the nodes w directly depends on.
func (g *Graph) Prereqs(w Work) []Work {
	var deps []Work
	for _, key := range g.prereqs[w.String()] {
		deps = append(deps, g.nodes[key])
	}
	return deps
}

// Dot renders the graph as a Graphviz "digraph" for --debug dumps.
func (g *Graph) Dot() string {
	var b strings.Builder
	b.WriteString("digraph work {\n")
	for _, key := range g.addOrder {
		fmt.Fprintf(&b, "  %q;\n", key)
	}
	for _, key := range g.addOrder {
		deps := append([]string(nil), g.prereqs[key]...)
		sort.Strings(deps)
		for _, d := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", key, d)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
