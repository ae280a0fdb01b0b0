// Package dag validates stage dependency graphs and schedules them in
// topological waves.
package dag

import (
	"fmt"
	"sort"
)

// Node is a named unit with dependencies, in declaration order.
type Node struct {
	Name      string
	DependsOn []string
}

// Graph is a validated dependency graph.
type Graph struct {
	nodes []Node
	deps  map[string]map[string]bool
	order map[string]int // declaration order, used as deterministic tie-break
}

// HasDAG reports whether any node declares a dependency. When false, linear
// sequential execution applies.
func HasDAG(nodes []Node) bool {
	for _, n := range nodes {
		if len(n.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// Build constructs and validates the graph: self-dependencies, unknown
// targets, and cycles are rejected before anything runs.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes: nodes,
		deps:  make(map[string]map[string]bool),
		order: make(map[string]int),
	}
	for i, n := range nodes {
		if _, dup := g.deps[n.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", n.Name)
		}
		g.deps[n.Name] = make(map[string]bool)
		g.order[n.Name] = i
	}
	for _, n := range nodes {
		for _, d := range n.DependsOn {
			if d == n.Name {
				return nil, fmt.Errorf("stage %q depends on itself", n.Name)
			}
			if _, ok := g.deps[d]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", n.Name, d)
			}
			g.deps[n.Name][d] = true
		}
	}
	if cycle := g.findCycle(); cycle != "" {
		return nil, fmt.Errorf("dependency cycle through stage %q", cycle)
	}
	return g, nil
}

// findCycle runs DFS coloring; returns a stage on a cycle, or "".
func (g *Graph) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for dep := range g.deps[name] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[name] = black
		return ""
	}
	for _, n := range g.nodes {
		if color[n.Name] == white {
			if c := visit(n.Name); c != "" {
				return c
			}
		}
	}
	return ""
}

// Deps returns the dependency set of a node.
func (g *Graph) Deps(name string) []string {
	var out []string
	for d := range g.deps[name] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// TopoSort returns a linearization of the graph. Ties are broken by
// declaration order so the result is deterministic.
func (g *Graph) TopoSort() []string {
	indegree := make(map[string]int)
	for name, deps := range g.deps {
		indegree[name] = len(deps)
	}
	dependents := make(map[string][]string)
	for name, deps := range g.deps {
		for d := range deps {
			dependents[d] = append(dependents[d], name)
		}
	}

	var ready []string
	for _, n := range g.nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}

	var out []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.order[ready[i]] < g.order[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return out
}

// Ready returns the nodes whose dependencies are all completed, excluding
// completed and blocked nodes, in declaration order.
func (g *Graph) Ready(completed, blocked map[string]bool) []string {
	var out []string
	for _, n := range g.nodes {
		if completed[n.Name] || blocked[n.Name] {
			continue
		}
		ok := true
		for d := range g.deps[n.Name] {
			if !completed[d] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n.Name)
		}
	}
	return out
}

// Dependents returns every node that transitively depends on name.
func (g *Graph) Dependents(name string) []string {
	dependents := make(map[string][]string)
	for n, deps := range g.deps {
		for d := range deps {
			dependents[d] = append(dependents[d], n)
		}
	}
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)
	var out []string
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}
