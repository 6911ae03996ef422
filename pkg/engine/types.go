package engine

import (
	"fmt"
	"strings"
	"time"
)

// Record is an opaque unit of storage handled through an Accessor.
type Record = any

// Key identifies a record inside one envelope.
type Key string

// Well-known field names.
const (
	// IndexField tags every data entry with its record type and key.
	IndexField = "_index"

	// DefaultIdentityField is the auto-identity field excluded from materialization.
	DefaultIdentityField = "id"

	// DefaultExternalKeyField carries the cross-system identity used for conflict detection.
	DefaultExternalKeyField = "resource_id"
)

// TimeLayout is the canonical string form of transported date/time values.
const TimeLayout = time.RFC3339Nano

// RelationKind represents how a relation field references other records.
type RelationKind string

const (
	// RelationToOne references a single record or nothing.
	RelationToOne RelationKind = "to_one"

	// RelationToMany references an ordered list of records.
	RelationToMany RelationKind = "to_many"

	// RelationToCustom carries an opaque value that is never traversed.
	RelationToCustom RelationKind = "to_custom"
)

// Validate checks if the relation kind is valid.
func (k RelationKind) Validate() error {
	switch k {
	case RelationToOne, RelationToMany, RelationToCustom:
		return nil
	default:
		return fmt.Errorf("invalid relation kind: %q", string(k))
	}
}

// DefaultRelyOn reports whether relations of this kind are hard dependencies by default.
func (k RelationKind) DefaultRelyOn() bool {
	return k == RelationToOne
}

// ConflictPolicy is the per-type rule for records colliding on import.
type ConflictPolicy string

const (
	// ConflictRaise aborts the whole import.
	ConflictRaise ConflictPolicy = "raise"

	// ConflictReplace discards the draft and reuses the existing record.
	ConflictReplace ConflictPolicy = "replace"

	// ConflictCover copies the draft's fields onto the existing record.
	ConflictCover ConflictPolicy = "cover"

	// ConflictIgnore inserts the draft unconditionally.
	ConflictIgnore ConflictPolicy = "ignore"
)

// ParseConflictPolicy parses a policy name. The empty string yields ConflictCover.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ConflictCover, nil
	case ConflictRaise, ConflictReplace, ConflictCover, ConflictIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("invalid conflict policy: %q", s)
	}
}

// FieldKind marks fields that need conversion when transported.
type FieldKind string

const (
	// FieldScalar values are transported as-is.
	FieldScalar FieldKind = "scalar"

	// FieldTime values are transported as TimeLayout strings.
	FieldTime FieldKind = "time"

	// FieldFile values are transported as logical file names.
	FieldFile FieldKind = "file"
)

// FileRef is a file-valued field: the logical name stored with the record and
// the real path of the payload on the local filesystem.
type FileRef struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Direction distinguishes export and import operations in results and telemetry.
type Direction string

const (
	DirectionExport Direction = "export"
	DirectionImport Direction = "import"
)
