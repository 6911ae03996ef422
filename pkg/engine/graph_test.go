package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testNode struct {
	name  string
	deps  []*testNode
	cycle cycleMark
}

func (n *testNode) label() string { return n.name }
func (n *testNode) mark() *cycleMark { return &n.cycle }
func (n *testNode) hardDependencies() []graphNode {
	deps := make([]graphNode, len(n.deps))
	for i, d := range n.deps {
		deps[i] = d
	}
	return deps
}

func TestCheckCycles_Acyclic(t *testing.T) {
	// a -> b -> d, a -> c -> d
	d := &testNode{name: "d"}
	b := &testNode{name: "b", deps: []*testNode{d}}
	c := &testNode{name: "c", deps: []*testNode{d}}
	a := &testNode{name: "a", deps: []*testNode{b, c}}

	if err := checkCycles(a); err != nil {
		t.Fatalf("Expected no error for a diamond, got: %v", err)
	}

	for _, n := range []*testNode{a, b, c, d} {
		if !n.cycle.checked {
			t.Errorf("Expected %s to be checked", n.name)
		}
		if n.cycle.inProgress {
			t.Errorf("Expected %s not to be in progress", n.name)
		}
	}
}

func TestCheckCycles_DetectsCycle(t *testing.T) {
	a := &testNode{name: "a"}
	b := &testNode{name: "b"}
	c := &testNode{name: "c"}
	a.deps = []*testNode{b}
	b.deps = []*testNode{c}
	c.deps = []*testNode{b}

	err := checkCycles(a)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !IsStructural(err) {
		t.Errorf("Expected structural error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "b -> c -> b") {
		t.Errorf("Expected cycle path b -> c -> b, got: %v", err)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeCycle {
		t.Errorf("Expected code %s, got: %v", ErrCodeCycle, err)
	}
}

func TestCheckCycles_SelfReference(t *testing.T) {
	a := &testNode{name: "a"}
	a.deps = []*testNode{a}

	err := checkCycles(a)
	if err == nil {
		t.Fatal("Expected cycle error for self reference")
	}
	if !strings.Contains(err.Error(), "a -> a") {
		t.Errorf("Expected cycle path a -> a, got: %v", err)
	}
}

func TestCheckCycles_DeepChain(t *testing.T) {
	nodes := make([]*testNode, 100000)
	for i := range nodes {
		nodes[i] = &testNode{name: "n"}
	}
	for i := 0; i < len(nodes)-1; i++ {
		nodes[i].deps = []*testNode{nodes[i+1]}
	}

	if err := checkCycles(nodes[0]); err != nil {
		t.Fatalf("Expected no error for a deep chain, got: %v", err)
	}
}

func TestDependencyGraph_Levels(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, "project", TypeConfig{
		Relations: map[string]Relation{
			"owner": {Kind: RelationToOne},
			"tags":  {Kind: RelationToMany},
		},
	})
	mustRegister(t, reg, "user", TypeConfig{})
	mustRegister(t, reg, "tag", TypeConfig{
		Relations: map[string]Relation{"project": {Kind: RelationToOne, RelyOn: Bool(false)}},
	})

	env := &Envelope{
		Roots: []Key{"1"},
		Index: map[Key]map[string]any{
			"1": {"owner": "2", "tags": []any{"3"}},
			"3": {"project": "1"},
		},
		Data: map[Key]map[string]any{
			"1": tagged("project", "1", nil),
			"2": tagged("user", "2", nil),
			"3": tagged("tag", "3", nil),
		},
	}

	g, err := NewDependencyGraph(env, reg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(g.Nodes) != 3 {
		t.Errorf("Expected 3 nodes, got %d", len(g.Nodes))
	}
	if len(g.Edges) != 3 {
		t.Errorf("Expected 3 edges, got %d", len(g.Edges))
	}
	if len(g.Levels) != 2 {
		t.Fatalf("Expected 2 levels, got %d: %v", len(g.Levels), g.Levels)
	}
	if len(g.Levels[0]) != 2 || g.Levels[0][0] != "2" || g.Levels[0][1] != "3" {
		t.Errorf("Expected level 0 to be [2 3], got %v", g.Levels[0])
	}
	if len(g.Levels[1]) != 1 || g.Levels[1][0] != "1" {
		t.Errorf("Expected level 1 to be [1], got %v", g.Levels[1])
	}

	dot := g.ToDOT()
	if !strings.Contains(dot, `"1" -> "2" [label="owner", style=solid`) {
		t.Errorf("Expected solid owner edge in DOT output:\n%s", dot)
	}
	if !strings.Contains(dot, `"3" -> "1" [label="project", style=dashed`) {
		t.Errorf("Expected dashed project edge in DOT output:\n%s", dot)
	}
}

func TestDependencyGraph_UnknownKey(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, "project", TypeConfig{
		Relations: map[string]Relation{"owner": {Kind: RelationToOne}},
	})

	env := &Envelope{
		Roots: []Key{"1"},
		Index: map[Key]map[string]any{"1": {"owner": "9"}},
		Data:  map[Key]map[string]any{"1": tagged("project", "1", nil)},
	}

	_, err := NewDependencyGraph(env, reg)
	if err == nil {
		t.Fatal("Expected error for a dangling reference")
	}
	if !strings.Contains(err.Error(), "unknown key 9") {
		t.Errorf("Expected unknown key error, got: %v", err)
	}
}

func TestDependencyGraph_OwningRoot(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, "user", TypeConfig{})
	mustRegister(t, reg, "post", TypeConfig{})
	mustRegister(t, reg, "comment", TypeConfig{})
	mustRegister(t, reg, "comment", TypeConfig{
		Root:      "post",
		Relations: map[string]Relation{"author": {Kind: RelationToOne}},
	})

	env := &Envelope{
		Roots:    []Key{"1"},
		RootType: "post",
		Index:    map[Key]map[string]any{"1": {"author": "2"}},
		Data: map[Key]map[string]any{
			"1": tagged("comment", "1", nil),
			"2": tagged("user", "2", nil),
		},
	}

	g, err := NewDependencyGraph(env, reg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []GraphEdge{{From: "1", To: "2", Field: "author", RelyOn: true}}
	if diff := cmp.Diff(want, g.Edges); diff != "" {
		t.Errorf("Edges mismatch (-want +got):\n%s", diff)
	}
}

func mustRegister(t *testing.T, reg *Registry, recordType string, cfg TypeConfig) {
	t.Helper()
	if err := reg.Register(recordType, cfg); err != nil {
		t.Fatalf("Failed to register %s: %v", recordType, err)
	}
}
