package engine

import (
	"fmt"
	"strings"
)

// cycleMark tracks the verification state of one pooled resource.
type cycleMark struct {
	// checked is set once every hard dependency below the node is verified
	checked bool

	// inProgress is set while the node is on the current DFS path
	inProgress bool
}

// graphNode is a pooled resource as seen by the cycle check.
type graphNode interface {
	label() string
	mark() *cycleMark
	hardDependencies() []graphNode
}

// checkCycles verifies that no hard-dependency path starting at start leads
// back to a node on the same path. It uses an explicit stack so the depth of
// the graph is not bounded by the goroutine stack.
func checkCycles(start graphNode) error {
	type frame struct {
		node graphNode
		deps []graphNode
		next int
	}

	if start.mark().checked {
		return nil
	}

	start.mark().inProgress = true
	stack := []*frame{{node: start, deps: start.hardDependencies()}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next == len(top.deps) {
			m := top.node.mark()
			m.inProgress = false
			m.checked = true
			stack = stack[:len(stack)-1]
			continue
		}

		dep := top.deps[top.next]
		top.next++

		m := dep.mark()
		if m.checked {
			continue
		}
		if m.inProgress {
			path := make([]string, 0, len(stack)+1)
			found := false
			for _, f := range stack {
				if f.node == dep {
					found = true
				}
				if found {
					path = append(path, f.node.label())
				}
			}
			path = append(path, dep.label())

			for _, f := range stack {
				f.node.mark().inProgress = false
			}
			return NewStructuralError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(path)), nil,
			).WithCode(ErrCodeCycle).WithResource(dep.label()).WithDetail("cycle", path)
		}

		m.inProgress = true
		stack = append(stack, &frame{node: dep, deps: dep.hardDependencies()})
	}

	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// GraphEdge is a relation edge between two envelope entries.
type GraphEdge struct {
	From   Key
	To     Key
	Field  string
	RelyOn bool
}

// DependencyGraph is the relation graph of an envelope, classified with the
// registry's rely-on configuration.
type DependencyGraph struct {
	Nodes map[Key]string
	Edges []GraphEdge

	// Levels groups keys by save order: every hard dependency of a key sits
	// in an earlier level.
	Levels [][]Key
}

// NewDependencyGraph builds the relation graph of env. Entries are resolved
// the way an import resolves them: roots first, under the envelope's owning
// root, then any entry no root reaches.
func NewDependencyGraph(env *Envelope, reg *Registry) (*DependencyGraph, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	pool := newImportPool(env, reg)
	resolve := func(key Key, root string) error {
		r, err := pool.resource(key, root)
		if err != nil {
			return err
		}
		return pool.walk(r)
	}
	for _, key := range env.Roots {
		if err := resolve(key, env.RootType); err != nil {
			return nil, err
		}
	}
	for _, key := range env.Keys() {
		if err := resolve(key, ""); err != nil {
			return nil, err
		}
	}

	g := &DependencyGraph{
		Nodes: make(map[Key]string, len(pool.resources)),
		Edges: make([]GraphEdge, 0),
	}
	for _, r := range pool.resources {
		g.Nodes[r.key] = r.recordType
	}

	for _, key := range env.Keys() {
		r := pool.byKey[key]
		for _, rel := range r.config.relations {
			switch v := r.related[rel.name].(type) {
			case *importResource:
				g.Edges = append(g.Edges, GraphEdge{From: key, To: v.key, Field: rel.name, RelyOn: rel.relyOn})
			case []*importResource:
				for _, child := range v {
					g.Edges = append(g.Edges, GraphEdge{From: key, To: child.key, Field: rel.name, RelyOn: rel.relyOn})
				}
			}
		}
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// computeLevels assigns save levels with Kahn's algorithm over hard edges.
func (g *DependencyGraph) computeLevels() error {
	inDegree := make(map[Key]int, len(g.Nodes))
	dependents := make(map[Key][]Key)
	for key := range g.Nodes {
		inDegree[key] = 0
	}
	for _, e := range g.Edges {
		if !e.RelyOn {
			continue
		}
		// the target must be saved before the source
		inDegree[e.From]++
		dependents[e.To] = append(dependents[e.To], e.From)
	}

	current := make([]Key, 0)
	for key, degree := range inDegree {
		if degree == 0 {
			current = append(current, key)
		}
	}

	processed := 0
	for len(current) > 0 {
		sortKeys(current)
		g.Levels = append(g.Levels, current)
		processed += len(current)

		next := make([]Key, 0)
		for _, key := range current {
			for _, dep := range dependents[key] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if processed != len(g.Nodes) {
		return NewStructuralError("circular dependency detected in envelope", nil).WithCode(ErrCodeCycle)
	}
	return nil
}

// ToDOT generates a DOT representation of the graph for visualization.
// Hard dependencies are drawn solid, soft ones dashed.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, keys := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\"];\n", key, g.Nodes[key], key))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		style := "style=dashed, color=gray"
		if e.RelyOn {
			style = "style=solid, color=black"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\", %s];\n", e.From, e.To, e.Field, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}
