package config

import (
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/xfer/pkg/engine"
)

func TestStarlarkEvaluator_Compile(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "field comparison", expr: "draft['title'] == existing['title']"},
		{name: "get with default", expr: "draft.get('email', '') == existing.get('email', '')"},
		{name: "multi-line expression", expr: "(draft['a'] == existing['a'] and\n draft['b'] == existing['b'])"},
		{name: "empty", expr: "", wantErr: true},
		{name: "syntax error", expr: "draft[", wantErr: true},
		{name: "undefined name", expr: "other == draft", wantErr: true},
		{name: "statement smuggled in", expr: "True)\nload('x.star', 'y'", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := evaluator.Compile(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Compile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && pred.String() != tt.expr {
				t.Errorf("expected source %q, got %q", tt.expr, pred.String())
			}
		})
	}
}

func TestPredicate_Eval(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)
	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		draft    map[string]interface{}
		existing map[string]interface{}
		want     bool
		wantErr  string
	}{
		{
			name:     "equal strings",
			expr:     "draft['title'] == existing['title']",
			draft:    map[string]interface{}{"title": "plan"},
			existing: map[string]interface{}{"title": "plan"},
			want:     true,
		},
		{
			name:     "different strings",
			expr:     "draft['title'] == existing['title']",
			draft:    map[string]interface{}{"title": "plan"},
			existing: map[string]interface{}{"title": "draft"},
			want:     false,
		},
		{
			name:     "numbers across int and float",
			expr:     "draft['size'] == existing['size']",
			draft:    map[string]interface{}{"size": int64(3)},
			existing: map[string]interface{}{"size": float64(3)},
			want:     true,
		},
		{
			name:     "times and file references",
			expr:     "draft['at'] == existing['at'] and draft['logo'] == 'logo.png'",
			draft:    map[string]interface{}{"at": published, "logo": engine.FileRef{Name: "logo.png", Path: "/tmp/x"}},
			existing: map[string]interface{}{"at": published.Format(engine.TimeLayout)},
			want:     true,
		},
		{
			name:     "nested values",
			expr:     "len(draft['tags']) == 2 and draft['meta']['lang'] == 'en'",
			draft:    map[string]interface{}{"tags": []interface{}{"a", "b"}, "meta": map[string]interface{}{"lang": "en"}},
			existing: map[string]interface{}{},
			want:     true,
		},
		{
			name:     "missing key",
			expr:     "draft['nope'] == existing['nope']",
			draft:    map[string]interface{}{},
			existing: map[string]interface{}{},
			wantErr:  "starlark execution failed",
		},
		{
			name:     "non-bool result",
			expr:     "draft['title']",
			draft:    map[string]interface{}{"title": "plan"},
			existing: map[string]interface{}{},
			wantErr:  "want bool",
		},
		{
			name:     "unsupported input",
			expr:     "True",
			draft:    map[string]interface{}{"ch": make(chan int)},
			existing: map[string]interface{}{},
			wantErr:  "unsupported type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := evaluator.Compile(tt.expr)
			if err != nil {
				t.Fatalf("failed to compile: %v", err)
			}

			got, err := pred.Eval(tt.draft, tt.existing)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPredicate_StepLimit(t *testing.T) {
	evaluator := NewStarlarkEvaluator(1000)

	pred, err := evaluator.Compile("len([i for i in range(1000000)]) > 0")
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}

	if _, err := pred.Eval(nil, nil); err == nil {
		t.Error("expected step limit error")
	}
}

func TestPredicate_Security(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)

	// print is accepted and discarded
	pred, err := evaluator.Compile("print('leak') == None")
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	ok, err := pred.Eval(nil, nil)
	if err != nil || !ok {
		t.Errorf("expected print to evaluate to None, got %v (%v)", ok, err)
	}

	if _, err := evaluator.Compile("load('os.star', 'system')"); err == nil {
		t.Error("expected load to be rejected")
	}
}
