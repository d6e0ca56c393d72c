package pipeline

import (
	"context"
	"fmt"
)

// ── Pipeline graph ─────────────────────────────────────────
// Nodes declare the table they produce and the tables they read.
// Edges are resolved by table name at build time, so adding a
// table to the pipeline never requires touching its consumers.

// Node is one step of the pipeline: an ingester, a silver
// transform, or a gold aggregate.
type Node struct {
	// Name identifies the node in logs and stats.
	Name string
	// Produces is the table this node writes. Exactly one node
	// produces each table.
	Produces string
	// Upstream lists the tables this node reads. Every upstream
	// table must be produced by another node in the graph.
	Upstream []string
	// Run executes one increment and returns the rows written.
	Run func(ctx context.Context, run *Run) (int64, error)
}

// Graph is a validated pipeline DAG with nodes grouped into
// execution levels: everything in one level only depends on
// earlier levels, so a level can run in parallel.
type Graph struct {
	nodes  []*Node
	levels [][]*Node
	// producer maps a table name to the node that writes it.
	producer map[string]*Node
}

// NewGraph validates the node set and computes execution levels.
// It fails on duplicate producers, unknown upstream tables and
// dependency cycles.
func NewGraph(nodes []*Node) (*Graph, error) {
	g := &Graph{nodes: nodes, producer: make(map[string]*Node)}

	for _, n := range nodes {
		if n.Produces == "" {
			return nil, fmt.Errorf("node %s produces no table", n.Name)
		}
		if other, ok := g.producer[n.Produces]; ok {
			return nil, fmt.Errorf("table %s produced by both %s and %s", n.Produces, other.Name, n.Name)
		}
		g.producer[n.Produces] = n
	}

	for _, n := range nodes {
		for _, up := range n.Upstream {
			if _, ok := g.producer[up]; !ok {
				return nil, fmt.Errorf("node %s reads table %s, which nothing produces", n.Name, up)
			}
		}
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// computeLevels is a Kahn sort that keeps the level structure:
// a node's level is one past the deepest of its upstreams.
func (g *Graph) computeLevels() error {
	indegree := make(map[*Node]int, len(g.nodes))
	downstream := make(map[*Node][]*Node, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] = len(n.Upstream)
		for _, up := range n.Upstream {
			p := g.producer[up]
			downstream[p] = append(downstream[p], n)
		}
	}

	level := make(map[*Node]int, len(g.nodes))
	var frontier []*Node
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			frontier = append(frontier, n)
			level[n] = 0
		}
	}

	placed := 0
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		placed++

		for len(g.levels) <= level[n] {
			g.levels = append(g.levels, nil)
		}
		g.levels[level[n]] = append(g.levels[level[n]], n)

		for _, d := range downstream[n] {
			if level[n]+1 > level[d] {
				level[d] = level[n] + 1
			}
			indegree[d]--
			if indegree[d] == 0 {
				frontier = append(frontier, d)
			}
		}
	}

	if placed != len(g.nodes) {
		return fmt.Errorf("pipeline has a dependency cycle")
	}
	return nil
}

// Levels returns the execution levels in dependency order.
func (g *Graph) Levels() [][]*Node {
	return g.levels
}

// Nodes returns all nodes in the graph.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}
