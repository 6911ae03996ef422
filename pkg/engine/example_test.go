package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Example_dependencyGraph shows how the registry classifies the relations of
// an envelope into save levels.
func Example_dependencyGraph() {
	reg := engine.NewRegistry()
	_ = reg.Register("user", engine.TypeConfig{})
	_ = reg.Register("project", engine.TypeConfig{
		Relations: map[string]engine.Relation{
			"owner":   {Kind: engine.RelationToOne},
			"members": {Kind: engine.RelationToMany},
		},
	})

	env := &engine.Envelope{
		Roots: []engine.Key{"1"},
		Index: map[engine.Key]map[string]any{
			"1": {"owner": "2", "members": []any{"2", "3"}},
		},
		Data: map[engine.Key]map[string]any{
			"1": {engine.IndexField: map[string]any{"type": "project", "key": "1"}, "name": "apollo"},
			"2": {engine.IndexField: map[string]any{"type": "user", "key": "2"}, "name": "ada"},
			"3": {engine.IndexField: map[string]any{"type": "user", "key": "3"}, "name": "grace"},
		},
	}

	graph, err := engine.NewDependencyGraph(env, reg)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for level, keys := range graph.Levels {
		fmt.Printf("level %d: %v\n", level, keys)
	}
	for _, edge := range graph.Edges {
		fmt.Printf("%s -> %s (%s, rely_on=%v)\n", edge.From, edge.To, edge.Field, edge.RelyOn)
	}

	// Output:
	// level 0: [2 3]
	// level 1: [1]
	// 1 -> 2 (members, rely_on=false)
	// 1 -> 3 (members, rely_on=false)
	// 1 -> 2 (owner, rely_on=true)
}

// Example_errorClassification shows how callers tell fatal errors from warnings.
func Example_errorClassification() {
	conflict := engine.NewConflictError("project:1 collides with existing record 7", nil).
		WithResource("project:1")
	warning := engine.NewConsistencyWarning("project:1 is inconsistent with the existing record")
	wrapped := fmt.Errorf("import failed: %w", conflict)

	fmt.Println(engine.IsFatal(wrapped), engine.IsConflict(wrapped))
	fmt.Println(engine.IsFatal(warning), engine.IsConsistency(warning))

	var engineErr *engine.EngineError
	if errors.As(wrapped, &engineErr) {
		fmt.Println(engineErr.Code)
	}

	// Output:
	// true true
	// false true
	// CONFLICT
}
