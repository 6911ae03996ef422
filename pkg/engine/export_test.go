package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(nil).Level(zerolog.Disabled)

// projectRegistry configures project -> owner (hard), project -> tags (soft)
// and tag -> project (soft back-reference).
func projectRegistry(t *testing.T, policy ConflictPolicy) *Registry {
	t.Helper()

	reg := NewRegistry()
	mustRegister(t, reg, "project", TypeConfig{
		Exclude:    []string{"secret_token"},
		FieldKinds: map[string]FieldKind{"created_at": FieldTime, "logo": FieldFile},
		Relations: map[string]Relation{
			"owner": {Kind: RelationToOne},
			"tags":  {Kind: RelationToMany},
			"notes": {Kind: RelationToCustom},
		},
		Conflict: &ConflictCheck{Policy: policy},
	})
	mustRegister(t, reg, "user", TypeConfig{})
	mustRegister(t, reg, "tag", TypeConfig{
		Relations: map[string]Relation{
			"project": {Kind: RelationToOne, RelyOn: Bool(false)},
		},
	})
	return reg
}

type projectGraph struct {
	project *memRecord
	owner   *memRecord
	tags    []*memRecord
}

func seedProject(s *memStore) projectGraph {
	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	owner := s.add("user", map[string]any{"name": "ada", "resource_id": "user-1"})
	project := s.add("project", map[string]any{
		"name":         "apollo",
		"resource_id":  "project-1",
		"created_at":   created,
		"secret_token": "s3cr3t",
		"logo":         FileRef{Name: "logo.png", Path: "/srv/media/logo.png"},
	})
	tag1 := s.add("tag", map[string]any{"label": "infra", "resource_id": "tag-1"})
	tag2 := s.add("tag", map[string]any{"label": "ops", "resource_id": "tag-2"})

	project.Links["owner"] = owner
	project.Links["tags"] = []*memRecord{tag1, tag2}
	project.Links["notes"] = map[string]any{"pinned": true}
	tag1.Links["project"] = project
	tag2.Links["project"] = project

	return projectGraph{project: project, owner: owner, tags: []*memRecord{tag1, tag2}}
}

func TestExport_ProjectGraph(t *testing.T) {
	store := newMemStore()
	graph := seedProject(store)
	eng := NewEngine(projectRegistry(t, ConflictCover), store, Options{Logger: testLogger})

	result, err := eng.Export(context.Background(), []Record{graph.project}, ExportOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	env := result.Envelope
	if result.Resources != 4 {
		t.Errorf("Expected 4 resources, got %d", result.Resources)
	}
	if diff := cmp.Diff([]Key{"1"}, env.Roots); diff != "" {
		t.Errorf("Roots mismatch (-want +got):\n%s", diff)
	}

	wantIndex := map[Key]map[string]any{
		"1": {"owner": "2", "tags": []string{"3", "4"}, "notes": map[string]any{"pinned": true}},
		"2": {},
		"3": {"project": "1"},
		"4": {"project": "1"},
	}
	if diff := cmp.Diff(wantIndex, env.Index); diff != "" {
		t.Errorf("Index mismatch (-want +got):\n%s", diff)
	}

	wantProject := map[string]any{
		IndexField:    map[string]any{"type": "project", "key": "1"},
		"name":        "apollo",
		"resource_id": "project-1",
		"created_at":  "2024-03-01T12:30:00Z",
		"logo":        "logo.png",
	}
	if diff := cmp.Diff(wantProject, env.Data["1"]); diff != "" {
		t.Errorf("Project data mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"/srv/media/logo.png"}, env.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
	if len(store.calls) != 0 {
		t.Errorf("Expected export to perform no writes, got %v", store.calls)
	}
}

func TestExport_DeduplicatesByIdentity(t *testing.T) {
	store := newMemStore()
	graph := seedProject(store)
	graph.project.Links["tags"] = []*memRecord{graph.tags[0], graph.tags[0], graph.tags[1]}

	eng := NewEngine(projectRegistry(t, ConflictCover), store, Options{Logger: testLogger})

	// the same root twice and a duplicated list entry
	result, err := eng.Export(context.Background(), []Record{graph.project, graph.project}, ExportOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	env := result.Envelope
	if len(env.Roots) != 1 {
		t.Errorf("Expected 1 root, got %v", env.Roots)
	}
	if len(env.Data) != 4 {
		t.Errorf("Expected 4 entries, got %d", len(env.Data))
	}
	if diff := cmp.Diff([]string{"3", "4"}, env.Index["1"]["tags"]); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
}

func TestExport_SharedChildAcrossRoots(t *testing.T) {
	store := newMemStore()
	graph := seedProject(store)
	other := store.add("project", map[string]any{"name": "gemini", "resource_id": "project-2"})
	other.Links["owner"] = graph.owner

	eng := NewEngine(projectRegistry(t, ConflictCover), store, Options{Logger: testLogger})

	result, err := eng.Export(context.Background(), []Record{graph.project, other}, ExportOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	env := result.Envelope
	if diff := cmp.Diff([]Key{"1", "5"}, env.Roots); diff != "" {
		t.Errorf("Roots mismatch (-want +got):\n%s", diff)
	}
	if env.Index["5"]["owner"] != "2" {
		t.Errorf("Expected the shared owner to keep key 2, got %v", env.Index["5"]["owner"])
	}
	if counts := env.TypeCounts(); counts["user"] != 1 {
		t.Errorf("Expected a single user entry, got %d", counts["user"])
	}
}

func TestExport_ForceAndFieldList(t *testing.T) {
	store := newMemStore()
	user := store.add("user", map[string]any{"name": "ada", "email": "ada@example.com", "resource_id": "u"})

	reg := NewRegistry()
	mustRegister(t, reg, "user", TypeConfig{
		Fields: []string{"name", "email", "status"},
		Force:  map[string]any{"status": "imported"},
	})

	eng := NewEngine(reg, store, Options{Logger: testLogger})
	result, err := eng.Export(context.Background(), []Record{user}, ExportOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := map[string]any{
		IndexField: map[string]any{"type": "user", "key": "1"},
		"name":     "ada",
		"email":    "ada@example.com",
		"status":   "imported",
	}
	if diff := cmp.Diff(want, result.Envelope.Data["1"]); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}
}

func TestExport_FilesHook(t *testing.T) {
	store := newMemStore()
	user := store.add("user", map[string]any{"name": "ada", "avatar": "/srv/a.png"})

	reg := NewRegistry()
	mustRegister(t, reg, "user", TypeConfig{
		Files: func(ctx context.Context, acc Accessor, rec Record) ([]string, error) {
			avatar, err := acc.Field(rec, "avatar")
			if err != nil {
				return nil, err
			}
			return []string{avatar.(string), "/srv/shared/readme.txt", ""}, nil
		},
	})

	relocator := &fakeRelocator{}
	eng := NewEngine(reg, store, Options{Logger: testLogger, Relocator: relocator})
	result, err := eng.Export(context.Background(), []Record{user}, ExportOptions{Destination: "/tmp/stage"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"/srv/a.png", "/srv/shared/readme.txt"}
	if diff := cmp.Diff(want, result.Envelope.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, relocator.relocated); diff != "" {
		t.Errorf("Relocated files mismatch (-want +got):\n%s", diff)
	}
	if relocator.dest != "/tmp/stage" {
		t.Errorf("Expected destination /tmp/stage, got %s", relocator.dest)
	}
	if len(result.Warnings) != 1 || !IsAsset(result.Warnings[0]) {
		t.Errorf("Expected one asset warning, got %v", result.Warnings)
	}
}

func TestExport_RootTypeOverride(t *testing.T) {
	store := newMemStore()
	graph := seedProject(store)

	reg := projectRegistry(t, ConflictCover)
	mustRegister(t, reg, "workspace", TypeConfig{})
	// under a workspace root, projects are exported without their tags
	mustRegister(t, reg, "project", TypeConfig{
		Root:      "workspace",
		Relations: map[string]Relation{"owner": {Kind: RelationToOne}},
	})

	eng := NewEngine(reg, store, Options{Logger: testLogger})
	result, err := eng.Export(context.Background(), []Record{graph.project}, ExportOptions{RootType: "workspace"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Envelope.Data) != 2 {
		t.Errorf("Expected project and owner only, got %d entries", len(result.Envelope.Data))
	}
	if result.Envelope.RootType != "workspace" {
		t.Errorf("Expected envelope root type workspace, got %q", result.Envelope.RootType)
	}

	target := newMemStore()
	imported, err := NewEngine(reg, target, Options{Logger: testLogger}).
		Import(context.Background(), result.Envelope, ImportOptions{})
	if err != nil {
		t.Fatalf("Expected import to succeed, got: %v", err)
	}
	if imported.Inserted != 2 {
		t.Errorf("Expected 2 inserted records, got %d", imported.Inserted)
	}
	projects := target.ofType("project")
	if len(projects) != 1 {
		t.Fatalf("Expected 1 project, got %d", len(projects))
	}
	if owner, ok := projects[0].Links["owner"].(*memRecord); !ok || owner.Fields["name"] != "ada" {
		t.Errorf("Expected imported owner ada, got %v", projects[0].Links["owner"])
	}

	_, err = eng.Export(context.Background(), []Record{graph.project}, ExportOptions{RootType: "ghost"})
	if !IsConfiguration(err) {
		t.Errorf("Expected configuration error for an unknown root type, got: %v", err)
	}
}

func TestExport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *memStore) Record
		isClass func(error) bool
		code    string
	}{
		{
			name: "hard dependency cycle",
			setup: func(s *memStore) Record {
				a := s.add("a", nil)
				b := s.add("b", nil)
				a.Links["b"] = b
				b.Links["a"] = a
				return a
			},
			isClass: IsStructural,
			code:    ErrCodeCycle,
		},
		{
			name: "unregistered related type",
			setup: func(s *memStore) Record {
				a := s.add("a", nil)
				a.Links["b"] = s.add("ghost", nil)
				return a
			},
			isClass: IsConfiguration,
			code:    ErrCodeUnknownType,
		},
		{
			name: "unexpected relation target",
			setup: func(s *memStore) Record {
				a := s.add("a", nil)
				a.Links["b"] = "not a record"
				return a
			},
			isClass: IsConfiguration,
			code:    ErrCodeUnexpectedTarget,
		},
		{
			name: "list behind a to_one relation",
			setup: func(s *memStore) Record {
				a := s.add("a", nil)
				a.Links["b"] = []*memRecord{s.add("b", nil)}
				return a
			},
			isClass: IsConfiguration,
			code:    ErrCodeUnexpectedTarget,
		},
		{
			name: "unsaved root",
			setup: func(s *memStore) Record {
				return &memRecord{Type: "a", Fields: map[string]any{}, Links: map[string]any{}}
			},
			isClass: IsConfiguration,
			code:    ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			mustRegister(t, reg, "a", TypeConfig{Relations: map[string]Relation{"b": {Kind: RelationToOne}}})
			mustRegister(t, reg, "b", TypeConfig{Relations: map[string]Relation{"a": {Kind: RelationToOne}}})

			store := newMemStore()
			root := tt.setup(store)

			eng := NewEngine(reg, store, Options{Logger: testLogger})
			_, err := eng.Export(context.Background(), []Record{root}, ExportOptions{})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.isClass(err) {
				t.Errorf("Unexpected error class: %v", err)
			}
			var engineErr *EngineError
			if !errors.As(err, &engineErr) || engineErr.Code != tt.code {
				t.Errorf("Expected code %s, got: %v", tt.code, err)
			}
		})
	}
}

// fakeRelocator records relocations and reports every file it was given
// beyond the first as missing.
type fakeRelocator struct {
	relocated []string
	dest      string
	restored  string

	// restoreWarnings are returned by Restore
	restoreWarnings []error
}

func (f *fakeRelocator) Relocate(ctx context.Context, files []string, dest string) ([]error, error) {
	f.relocated = append([]string(nil), files...)
	f.dest = dest
	warnings := make([]error, 0)
	for _, file := range files[1:] {
		warnings = append(warnings, NewAssetError("file not found", nil).WithCode(ErrCodeMissingFile).WithResource(file))
	}
	return warnings, nil
}

func (f *fakeRelocator) Restore(ctx context.Context, src string) ([]error, error) {
	f.restored = src
	return f.restoreWarnings, nil
}
