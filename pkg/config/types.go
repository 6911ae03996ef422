package config

import (
	"time"
)

// Settings is the workspace configuration, usually read from xfer.yaml.
type Settings struct {
	// Store configures the SQLite record store.
	Store StoreSettings `json:"store" yaml:"store"`

	// Project configures where payload files live.
	Project ProjectSettings `json:"project" yaml:"project"`

	// Package configures package encoding and placement.
	Package PackageSettings `json:"package" yaml:"package"`

	// Logging configures the CLI logger.
	Logging LoggingSettings `json:"logging" yaml:"logging"`

	// Telemetry configures tracing and the metrics endpoint.
	Telemetry TelemetrySettings `json:"telemetry" yaml:"telemetry"`

	// Types lists type declaration files or directories (CUE, YAML or JSON).
	Types []string `json:"types" yaml:"types" validate:"dive,required"`
}

// StoreSettings configures the record store.
type StoreSettings struct {
	// Path is the SQLite database path or ":memory:".
	Path string `json:"path" yaml:"path" validate:"required"`

	// MaxOpenConns bounds open connections. Zero uses the store default.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" validate:"gte=0"`
}

// ProjectSettings configures payload file relocation.
type ProjectSettings struct {
	// Root is the project directory; files below it are staged by relative path.
	Root string `json:"root" yaml:"root" validate:"required"`

	// FilesystemRoot is where files outside the project are restored. When
	// empty they are not restored.
	FilesystemRoot string `json:"filesystem_root,omitempty" yaml:"filesystem_root,omitempty"`

	// Parallelism bounds concurrent file copies.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty" validate:"gte=0,lte=64"`
}

// PackageSettings configures packages.
type PackageSettings struct {
	// Codec is the envelope format (compressed-json, json, yaml).
	Codec string `json:"codec,omitempty" yaml:"codec,omitempty" validate:"omitempty,oneof=compressed-json json yaml"`

	// WorkDir is the parent of temporary work directories.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// OutputDir is where packages are written when no output is given.
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`

	// Remote is an sftp:// location packages are published to.
	Remote string `json:"remote,omitempty" yaml:"remote,omitempty" validate:"omitempty,url"`
}

// LoggingSettings configures logging.
type LoggingSettings struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=console json"`

	// Output is stderr, stdout or a log file path.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// TelemetrySettings configures tracing and metrics.
type TelemetrySettings struct {
	// TracingExporter is otlp, stdout or none.
	TracingExporter string `json:"tracing_exporter,omitempty" yaml:"tracing_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty" validate:"required_if=TracingExporter otlp"`

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty" validate:"omitempty,hostname_port"`
}

// TypeSpec declares the transfer configuration of one record type.
type TypeSpec struct {
	// Type is the record type name.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Root is the owning root this configuration applies to.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Fields lists the transferred scalar fields. Empty means all.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Exclude removes fields from the transferred set.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// FieldKinds marks time and file fields.
	FieldKinds map[string]string `json:"field_kinds,omitempty" yaml:"field_kinds,omitempty" validate:"dive,oneof=scalar time file"`

	// Relations maps relation field names to their kind.
	Relations map[string]RelationSpec `json:"relations,omitempty" yaml:"relations,omitempty" validate:"dive"`

	// Force replaces transferred values with fixed overrides.
	Force map[string]interface{} `json:"force,omitempty" yaml:"force,omitempty"`

	// Conflict configures conflict resolution.
	Conflict *ConflictSpec `json:"conflict,omitempty" yaml:"conflict,omitempty"`

	// Files lists fields holding payload paths.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// IdentityField overrides the auto-identity field.
	IdentityField string `json:"identity_field,omitempty" yaml:"identity_field,omitempty"`
}

// RelationSpec declares one relation field.
type RelationSpec struct {
	Kind   string `json:"kind" yaml:"kind" validate:"required,oneof=to_one to_many to_custom"`
	RelyOn *bool  `json:"rely_on,omitempty" yaml:"rely_on,omitempty"`
}

// ConflictSpec declares conflict detection and resolution.
type ConflictSpec struct {
	Disabled          bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Policy            string   `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty,oneof=raise replace cover ignore"`
	ExternalKey       string   `json:"external_key,omitempty" yaml:"external_key,omitempty"`
	IgnoreFields      []string `json:"ignore_fields,omitempty" yaml:"ignore_fields,omitempty"`
	ConsistencyFields []string `json:"consistency_fields,omitempty" yaml:"consistency_fields,omitempty"`

	// Consistent is a Starlark expression over the draft and existing dicts
	// that must yield a bool. It replaces the ConsistencyFields comparison.
	Consistent string `json:"consistent,omitempty" yaml:"consistent,omitempty"`
}

// ParsedTypes is the result of parsing type declarations.
type ParsedTypes struct {
	// Types holds the declarations in source order.
	Types []TypeSpec `json:"types"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the declarations were parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the error (e.g., "types.project.conflict").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error with its location.
func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmtLocation(e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return loc + ": " + e.Path + ": " + e.Message
	case loc != "":
		return loc + ": " + e.Message
	case e.Path != "":
		return e.Path + ": " + e.Message
	default:
		return e.Message
	}
}
