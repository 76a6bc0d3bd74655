// Package resolver implements C6: PubGrub-contract conflict-driven
// resolution over virtual packages representing `name`, `name[extra]`, and
// a synthetic root (spec §4.6).
//
// The graph is an arena of nodes keyed by a dense integer index, per the
// §9 design note ("never use heap-pointer back-references between
// nodes"), directly grounded on
// _examples/google-deps.dev/util/resolve/graph.go's NodeID/Node/Edge
// shape — the closest full, readable Go precedent for this exact
// discipline in the retrieval pack, even though that package targets a
// different (multi-ecosystem) resolver.
package resolver

import (
	"fmt"
	"strings"

	"github.com/halvardsh/pax/internal/diagnostics"
	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
)

// NodeID is a dense arena index into Graph.Nodes.
type NodeID int32

// RootID is the synthetic root package's fixed node id (spec §4.6).
const RootID NodeID = 0

// Node is a (PackageName, Version, enabled-extras) triple (spec §3
// ResolutionGraph).
type Node struct {
	Name    names.PackageName
	Version pep440.Version
	Extra   names.ExtraName // "" for the base package node
	Group   string          // "" unless this node is a PEP 735 group node
	Source  string          // "registry" | "direct-url" | "git" | "path" | "directory"
}

func (n Node) String() string {
	switch {
	case n.Extra != "":
		return fmt.Sprintf("%s[%s]==%s", n.Name, n.Extra, n.Version)
	case n.Group != "":
		return fmt.Sprintf("%s:%s==%s", n.Name, n.Group, n.Version)
	default:
		return fmt.Sprintf("%s==%s", n.Name, n.Version)
	}
}

// Edge carries the marker under which a dependency applies (spec §3: "A
// directed acyclic graph whose... edges carry the marker under which the
// dependency applies").
type Edge struct {
	From, To NodeID
	Marker   pep508.Marker // nil == unconditional
}

// Graph is the canonical output of C6 (spec §3 ResolutionGraph).
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// NewGraph returns a graph pre-seeded with the synthetic Root node.
func NewGraph() *Graph {
	return &Graph{Nodes: []Node{{Name: "", Version: pep440.Version{}}}}
}

// AddNode appends n and returns its arena id.
func (g *Graph) AddNode(n Node) NodeID {
	g.Nodes = append(g.Nodes, n)
	return NodeID(len(g.Nodes) - 1)
}

// AddEdge appends e.
func (g *Graph) AddEdge(e Edge) {
	g.Edges = append(g.Edges, e)
}

// Node returns the node at id.
func (g *Graph) Node(id NodeID) Node { return g.Nodes[id] }

// parentsOf returns every edge pointing at id.
func (g *Graph) parentsOf(id NodeID) []Edge {
	var out []Edge

	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}

	return out
}

// DerivationChain walks backward from target to Root via the first parent
// edge found at each step (spec §7, §9: "reverse BFS over the partial
// resolution graph"). Ties are broken by arena order, which is
// deterministic since edges are appended in decision order.
func (g *Graph) DerivationChain(target NodeID) diagnostics.DerivationChain {
	var chain diagnostics.DerivationChain

	visited := make(map[NodeID]bool)
	cur := target

	for cur != RootID {
		if visited[cur] {
			break // defensive: a cycle should never occur in a valid graph
		}

		visited[cur] = true

		n := g.Node(cur)
		chain = append([]diagnostics.Step{{
			Package: string(n.Name),
			Version: n.Version.String(),
			Extra:   string(n.Extra),
			Group:   n.Group,
		}}, chain...)

		parents := g.parentsOf(cur)
		if len(parents) == 0 {
			break
		}

		cur = parents[0].From
	}

	return chain
}

// Acyclic reports whether the graph contains no cycles, a property spec §8
// requires of every resolution ("G is acyclic").
func (g *Graph) Acyclic() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.Nodes))

	adj := make(map[NodeID][]NodeID)
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	var visit func(NodeID) bool

	visit = func(id NodeID) bool {
		color[id] = gray

		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}

		color[id] = black

		return true
	}

	for id := range g.Nodes {
		if color[id] == white {
			if !visit(NodeID(id)) {
				return false
			}
		}
	}

	return true
}

// String renders the graph as an indented tree rooted at Root, for
// diagnostics and tests.
func (g *Graph) String() string {
	var b strings.Builder

	children := make(map[NodeID][]NodeID)
	for _, e := range g.Edges {
		children[e.From] = append(children[e.From], e.To)
	}

	var walk func(id NodeID, depth int)

	walk = func(id NodeID, depth int) {
		if id != RootID {
			fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), g.Node(id))
		}

		for _, c := range children[id] {
			walk(c, depth+1)
		}
	}

	walk(RootID, 0)

	return b.String()
}
