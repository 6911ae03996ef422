package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile is the settings file looked up in the working directory.
const DefaultSettingsFile = "xfer.yaml"

// DefaultSettings returns settings usable without a settings file.
func DefaultSettings() *Settings {
	return &Settings{
		Store: StoreSettings{
			Path: "xfer.db",
		},
		Project: ProjectSettings{
			Root:        ".",
			Parallelism: 4,
		},
		Package: PackageSettings{
			Codec: "compressed-json",
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetrySettings{
			TracingExporter: "none",
		},
	}
}

// LoadSettings reads settings from path on top of DefaultSettings. Unknown
// keys are rejected. Relative paths are resolved against the directory of
// the settings file.
func LoadSettings(path string) (*Settings, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	settings := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(settings); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}

	settings.resolve(filepath.Dir(path))
	return settings, nil
}

// Validate checks the settings against their struct constraints.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	return nil
}

// resolve makes relative paths absolute against base.
func (s *Settings) resolve(base string) {
	abs := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	s.Store.Path = abs(s.Store.Path)
	s.Project.Root = abs(s.Project.Root)
	s.Project.FilesystemRoot = abs(s.Project.FilesystemRoot)
	s.Package.WorkDir = abs(s.Package.WorkDir)
	s.Package.OutputDir = abs(s.Package.OutputDir)
	for i, p := range s.Types {
		s.Types[i] = abs(p)
	}
}
