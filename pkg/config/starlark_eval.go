package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/xfer/pkg/engine"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// defaultMaxSteps bounds the work a single predicate evaluation may do.
const defaultMaxSteps = 100000

// predicateResult is the global a compiled predicate assigns.
const predicateResult = "result"

// StarlarkEvaluator compiles consistency predicates written in Starlark.
type StarlarkEvaluator struct {
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator. A zero maxSteps uses
// the default step budget.
func NewStarlarkEvaluator(maxSteps uint64) *StarlarkEvaluator {
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	return &StarlarkEvaluator{
		maxSteps: maxSteps,
	}
}

// Predicate is a compiled Starlark expression over the draft and existing
// records of a conflict.
type Predicate struct {
	expr     string
	program  *starlark.Program
	maxSteps uint64
}

// Compile compiles expr into a predicate. The expression sees two dicts,
// draft and existing, holding the fields of each record.
func (se *StarlarkEvaluator) Compile(expr string) (*Predicate, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty predicate")
	}

	// a predicate is a single expression, never a statement list
	if _, err := syntax.ParseExpr("consistency.star", expr, 0); err != nil {
		return nil, fmt.Errorf("failed to compile predicate %q: %w", expr, err)
	}

	src := predicateResult + " = (" + expr + "\n)\n"
	_, prog, err := starlark.SourceProgram("consistency.star", src, func(name string) bool {
		return name == "draft" || name == "existing"
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile predicate %q: %w", expr, err)
	}

	return &Predicate{
		expr:     expr,
		program:  prog,
		maxSteps: se.maxSteps,
	}, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	return p.expr
}

// Eval runs the predicate. The expression must yield a bool.
func (p *Predicate) Eval(draft, existing map[string]interface{}) (bool, error) {
	thread := &starlark.Thread{
		Name: "consistency",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}
	thread.SetMaxExecutionSteps(p.maxSteps)

	predeclared := starlark.StringDict{}
	for name, fields := range map[string]map[string]interface{}{"draft": draft, "existing": existing} {
		val, err := toStarlarkValue(fields)
		if err != nil {
			return false, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		predeclared[name] = val
	}

	globals, err := p.program.Init(thread, predeclared)
	if err != nil {
		return false, fmt.Errorf("starlark execution failed: %w", err)
	}

	result, ok := globals[predicateResult].(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %s, want bool", p.expr, globals[predicateResult].Type())
	}
	return bool(result), nil
}

// ConsistencyFunc adapts the predicate to the engine's consistency check.
func (p *Predicate) ConsistencyFunc() engine.ConsistencyFunc {
	return func(acc engine.Accessor, draft, existing engine.Record) (bool, error) {
		draftFields, err := recordFields(acc, draft)
		if err != nil {
			return false, err
		}
		existingFields, err := recordFields(acc, existing)
		if err != nil {
			return false, err
		}
		return p.Eval(draftFields, existingFields)
	}
}

// recordFields reads every scalar field of rec.
func recordFields(acc engine.Accessor, rec engine.Record) (map[string]interface{}, error) {
	names := acc.FieldNames(rec)
	fields := make(map[string]interface{}, len(names))
	for _, name := range names {
		v, err := acc.Field(rec, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read field %s: %w", name, err)
		}
		fields[name] = v
	}
	return fields, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case engine.Key:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.UTC().Format(engine.TimeLayout)), nil
	case engine.FileRef:
		return starlark.String(val.Name), nil
	case *engine.FileRef:
		return starlark.String(val.Name), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case fmt.Stringer:
		return starlark.String(val.String()), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
