package config

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/xfer/pkg/engine"
	"github.com/openfroyo/xfer/pkg/stores"
)

const documentTypes = `
types:
  - type: document
    root: project
    fields: [title]
  - type: project
    fields: [name]
  - type: user
    fields: [name]
    conflict:
      policy: replace
  - type: document
    relations:
      author: {kind: to_one}
    files: [attachment, extras]
    conflict:
      policy: cover
      consistent: "draft['title'] == existing['title']"
`

func parseTypes(t *testing.T, content string) *ParsedTypes {
	t.Helper()
	pt, err := NewParser().ParseInline(context.Background(), content, "yaml")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(pt.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pt.Errors)
	}
	return pt
}

func setupStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestApplyRegistersInRootOrder(t *testing.T) {
	reg := engine.NewRegistry()
	if err := parseTypes(t, documentTypes).Apply(reg); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	if diff := cmp.Diff([]string{"document", "project", "user"}, reg.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
	if !reg.OwnsRoot("project") {
		t.Error("Expected project to own a root configuration")
	}

	cfg, err := reg.Lookup("document", "project")
	if err != nil {
		t.Fatalf("failed to look up document under project: %v", err)
	}
	if cfg.HasRelations() {
		t.Error("Expected the project-specific document configuration to have no relations")
	}

	cfg, err = reg.Lookup("document", "")
	if err != nil {
		t.Fatalf("failed to look up document: %v", err)
	}
	if rely, ok := cfg.RelyOn("author"); !ok || !rely {
		t.Errorf("Expected author to be a hard dependency, got %v %v", rely, ok)
	}
	if cfg.Conflict.Policy != engine.ConflictCover || cfg.Conflict.Consistent == nil {
		t.Errorf("Expected cover policy with predicate, got %+v", cfg.Conflict)
	}
}

func TestApplyUnknownRoot(t *testing.T) {
	pt := parseTypes(t, "types:\n  - {type: task, root: board}\n")

	err := pt.Apply(engine.NewRegistry())
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeInvalidRoot {
		t.Fatalf("Expected %s error, got %v", engine.ErrCodeInvalidRoot, err)
	}
}

func TestApplyUsesExistingRegistrations(t *testing.T) {
	reg := engine.NewRegistry()
	if err := reg.Register("board", engine.TypeConfig{}); err != nil {
		t.Fatalf("failed to register board: %v", err)
	}

	pt := parseTypes(t, "types:\n  - {type: task, root: board}\n")
	if err := pt.Apply(reg); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	if !reg.OwnsRoot("board") {
		t.Error("Expected board to own a root configuration")
	}
}

func TestApplyFilesAndConsistency(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	acc := store.Accessor()

	reg := engine.NewRegistry()
	if err := parseTypes(t, documentTypes).Apply(reg); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	eng := engine.NewEngine(reg, acc, engine.Options{Logger: zerolog.New(nil).Level(zerolog.Disabled)})

	author := stores.NewRecord("user")
	author.ResourceID = "u-1"
	author.Fields["name"] = "ada"
	if _, err := acc.Insert(ctx, author); err != nil {
		t.Fatalf("failed to insert author: %v", err)
	}

	doc := stores.NewRecord("document")
	doc.ResourceID = "d-1"
	doc.Fields["title"] = "launch plan"
	doc.Fields["attachment"] = "media/logo.png"
	doc.Fields["extras"] = []any{"media/a.txt", "", "media/b.txt"}
	if err := acc.Relate(ctx, doc, "author", engine.RelationToOne, author); err != nil {
		t.Fatalf("failed to relate author: %v", err)
	}
	if _, err := acc.Insert(ctx, doc); err != nil {
		t.Fatalf("failed to insert document: %v", err)
	}

	exported, err := eng.Export(ctx, []engine.Record{doc}, engine.ExportOptions{})
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	wantFiles := []string{"media/a.txt", "media/b.txt", "media/logo.png"}
	if diff := cmp.Diff(wantFiles, exported.Envelope.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}

	// same title: consistent
	imported, err := eng.Import(ctx, exported.Envelope, engine.ImportOptions{})
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}
	if len(imported.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", imported.Warnings)
	}

	// changed title: covered with a consistency warning
	for _, key := range exported.Envelope.Keys() {
		tag, err := exported.Envelope.Tag(key)
		if err != nil {
			t.Fatalf("failed to read tag: %v", err)
		}
		if tag.Type == "document" {
			exported.Envelope.Data[key]["title"] = "launch plan v2"
		}
	}
	imported, err = eng.Import(ctx, exported.Envelope, engine.ImportOptions{})
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}
	if len(imported.Warnings) != 1 || !engine.IsConsistency(imported.Warnings[0]) {
		t.Fatalf("Expected one consistency warning, got %v", imported.Warnings)
	}

	var covered bool
	for _, outcome := range imported.Conflicts {
		if outcome.Type == "document" {
			covered = outcome.Action == engine.ActionCovered && !outcome.Consistent
		}
	}
	if !covered {
		t.Errorf("Expected document to be covered inconsistently, got %+v", imported.Conflicts)
	}
}
