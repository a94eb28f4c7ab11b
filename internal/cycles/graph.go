// Package cycles finds cycles in directed relationship graphs built from the
// entity store.
//
// Two detectors share one Graph type: an iterative Tarjan SCC pass that
// answers whether a cycle exists and which nodes take part, and a
// path-tracking DFS that reports concrete cycle paths for display. Neither
// recurses, so user data cannot exhaust the goroutine stack. Traversal order
// is canonical (sorted IDs), which makes reported paths stable across runs.
package cycles

import (
	"cmp"
	"slices"
)

// Graph is a directed graph over comparable, ordered IDs.
// It is not safe for concurrent mutation.
type Graph[ID cmp.Ordered] struct {
	adj map[ID]map[ID]struct{}
}

// NewGraph returns an empty graph.
func NewGraph[ID cmp.Ordered]() *Graph[ID] {
	return &Graph[ID]{adj: make(map[ID]map[ID]struct{})}
}

// AddNode adds id with no edges. Adding an existing node is a no-op.
func (g *Graph[ID]) AddNode(id ID) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[ID]struct{})
	}
}

// AddEdge adds from -> to, creating both nodes as needed.
func (g *Graph[ID]) AddEdge(from, to ID) {
	g.AddNode(from)
	g.AddNode(to)
	g.adj[from][to] = struct{}{}
}

// HasEdge reports whether from -> to exists.
func (g *Graph[ID]) HasEdge(from, to ID) bool {
	_, ok := g.adj[from][to]
	return ok
}

// HasNode reports whether id is in the graph.
func (g *Graph[ID]) HasNode(id ID) bool {
	_, ok := g.adj[id]
	return ok
}

// Neighbors returns the successors of id in ascending order.
func (g *Graph[ID]) Neighbors(id ID) []ID {
	out := make([]ID, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Nodes returns every node in ascending order.
func (g *Graph[ID]) Nodes() []ID {
	out := make([]ID, 0, len(g.adj))
	for n := range g.adj {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of nodes.
func (g *Graph[ID]) Len() int {
	return len(g.adj)
}

// Clone returns a deep copy, for trying out edges without touching g.
func (g *Graph[ID]) Clone() *Graph[ID] {
	c := NewGraph[ID]()
	for from, succ := range g.adj {
		c.AddNode(from)
		for to := range succ {
			c.adj[from][to] = struct{}{}
		}
	}
	return c
}
