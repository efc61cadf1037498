// Package dependency implements the static service dependency DAG: cycle
// detection, deterministic topological order, and depth grouping used by the
// orchestrator to start independent subtrees concurrently.
package dependency

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCycle is returned when the declared dependencies contain a cycle.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when a node depends on a name that
	// was never added to the graph.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Node is one service in the graph.
type Node struct {
	Name      string
	DependsOn []string
}

// Graph is a static DAG over service names. Not safe for concurrent
// mutation; built once at load time and read-only afterwards.
type Graph struct {
	nodes map[string]Node
	order []string // insertion order, for stable iteration
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]Node)}
}

// AddNode adds or replaces a node.
func (g *Graph) AddNode(n Node) {
	if _, exists := g.nodes[n.Name]; !exists {
		g.order = append(g.order, n.Name)
	}
	g.nodes[n.Name] = n
}

// Has reports whether a node with the given name exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Dependencies returns the direct dependencies of a node, sorted.
func (g *Graph) Dependencies(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	deps := append([]string(nil), n.DependsOn...)
	sort.Strings(deps)
	return deps
}

// Dependents returns the names of nodes that directly depend on name, sorted.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, candidate := range g.order {
		for _, dep := range g.nodes[candidate].DependsOn {
			if dep == name {
				out = append(out, candidate)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks that every declared dependency exists and that the graph
// is acyclic. It must pass before any ordering method is used.
func (g *Graph) Validate() error {
	for _, name := range g.order {
		for _, dep := range g.nodes[name].DependsOn {
			if !g.Has(dep) {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, name, dep)
			}
		}
	}

	// Kahn's algorithm: if not every node can be peeled off, a cycle remains.
	if _, err := g.topoSort(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns all node names so that every node appears after
// all of its dependencies. Ties are broken alphabetically so the order is
// deterministic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	return g.topoSort()
}

// Levels partitions the graph into depth groups: level 0 holds nodes with no
// dependencies, level n holds nodes whose dependencies all live in levels
// < n. Nodes within one level are independent of each other and may start
// concurrently. Names within a level are sorted.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int)

	var depthOf func(name string, seen map[string]bool) int
	depthOf = func(name string, seen map[string]bool) int {
		if d, ok := depth[name]; ok {
			return d
		}
		if seen[name] {
			// Cycle; Validate reports this properly, here we just
			// avoid infinite recursion.
			return 0
		}
		seen[name] = true
		max := -1
		for _, dep := range g.nodes[name].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			if d := depthOf(dep, seen); d > max {
				max = d
			}
		}
		depth[name] = max + 1
		return max + 1
	}

	maxDepth := 0
	for _, name := range g.order {
		if d := depthOf(name, make(map[string]bool)); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range g.order {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels
}

func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, name := range g.order {
		indegree[name] = len(g.nodes[name].DependsOn)
	}

	var queue []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, name)

		var released []string
		for _, dependent := range g.Dependents(name) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		sort.Strings(released)
		queue = append(queue, released...)
		sort.Strings(queue)
	}

	if len(sorted) != len(g.nodes) {
		var stuck []string
		for name, d := range indegree {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: involving %v", ErrCycle, stuck)
	}
	return sorted, nil
}
