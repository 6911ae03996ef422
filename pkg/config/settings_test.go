package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultSettingsFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}
	return path
}

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSettings()

	if err := settings.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if settings.Package.Codec != "compressed-json" {
		t.Errorf("expected codec 'compressed-json', got %s", settings.Package.Codec)
	}
	if settings.Project.Parallelism != 4 {
		t.Errorf("expected parallelism 4, got %d", settings.Project.Parallelism)
	}
}

func TestLoadSettings(t *testing.T) {
	path := writeSettings(t, `
store:
  path: data/xfer.db
project:
  root: project
  filesystem_root: /srv/files
package:
  codec: yaml
  remote: sftp://deploy@files.example.com/srv/packages
logging:
  level: debug
  format: json
telemetry:
  tracing_exporter: otlp
  tracing_endpoint: localhost:4317
  metrics_address: 127.0.0.1:9090
types:
  - types
  - /etc/xfer/shared.cue
`)
	base := filepath.Dir(path)

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if settings.Store.Path != filepath.Join(base, "data", "xfer.db") {
		t.Errorf("expected store path relative to settings, got %s", settings.Store.Path)
	}
	if settings.Project.Root != filepath.Join(base, "project") {
		t.Errorf("expected project root relative to settings, got %s", settings.Project.Root)
	}
	if settings.Project.FilesystemRoot != "/srv/files" {
		t.Errorf("expected absolute filesystem root untouched, got %s", settings.Project.FilesystemRoot)
	}
	if settings.Project.Parallelism != 4 {
		t.Errorf("expected default parallelism to survive, got %d", settings.Project.Parallelism)
	}
	if settings.Package.Codec != "yaml" {
		t.Errorf("expected codec 'yaml', got %s", settings.Package.Codec)
	}
	if settings.Logging.Level != "debug" || settings.Logging.Format != "json" {
		t.Errorf("unexpected logging settings: %+v", settings.Logging)
	}
	if len(settings.Types) != 2 || settings.Types[0] != filepath.Join(base, "types") || settings.Types[1] != "/etc/xfer/shared.cue" {
		t.Errorf("unexpected type sources: %v", settings.Types)
	}
}

func TestLoadSettingsMemoryStore(t *testing.T) {
	settings, err := LoadSettings(writeSettings(t, "store:\n  path: \":memory:\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Store.Path != ":memory:" {
		t.Errorf("expected in-memory store path, got %s", settings.Store.Path)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		errorMsg string
	}{
		{name: "unknown key", content: "stor:\n  path: x.db\n", errorMsg: "field stor not found"},
		{name: "bad codec", content: "package:\n  codec: xml\n", errorMsg: "Codec"},
		{name: "empty store path", content: "store:\n  path: \"\"\n", errorMsg: "Path"},
		{name: "otlp without endpoint", content: "telemetry:\n  tracing_exporter: otlp\n", errorMsg: "TracingEndpoint"},
		{name: "bad log level", content: "logging:\n  level: loud\n", errorMsg: "Level"},
		{name: "negative parallelism", content: "project:\n  parallelism: -1\n", errorMsg: "Parallelism"},
		{name: "malformed yaml", content: "store: [\n", errorMsg: "failed to parse settings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings(writeSettings(t, tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}

	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
