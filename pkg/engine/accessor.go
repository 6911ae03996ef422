package engine

import "context"

// Accessor abstracts the storage layer holding the records being transferred.
// The engine never touches records directly.
type Accessor interface {
	// TypeOf returns the record type, or false if v is not a record.
	TypeOf(v any) (string, bool)

	// Identity returns the primary identity of a persisted record.
	// Records that were never persisted report false.
	Identity(rec Record) (string, bool)

	// FieldNames lists the scalar fields available on a record.
	FieldNames(rec Record) []string

	// Field returns the value of a scalar field.
	Field(rec Record, name string) (any, error)

	// SetField assigns a scalar field on an in-memory record.
	SetField(rec Record, name string, value any) error

	// Related returns the value behind a relation field: a record or nil for
	// to_one, a slice of records for to_many, an opaque value for to_custom.
	Related(ctx context.Context, rec Record, name string, kind RelationKind) (any, error)

	// Relate attaches a relation value to a record.
	Relate(ctx context.Context, rec Record, name string, kind RelationKind, value any) error

	// New creates an empty, unsaved record of the given type.
	New(recordType string) (Record, error)

	// Insert persists a new record and returns the stored instance.
	Insert(ctx context.Context, rec Record) (Record, error)

	// Update saves changes to an already persisted record.
	Update(ctx context.Context, rec Record) (Record, error)

	// FindByExternalKey returns the record of the given type whose external key
	// field equals key, or nil when there is none.
	FindByExternalKey(ctx context.Context, recordType, field, key string) (Record, error)

	// Atomic runs fn inside a single transaction. The accessor passed to fn
	// must be used for every read and write that belongs to the transaction.
	Atomic(ctx context.Context, fn func(ctx context.Context, acc Accessor) error) error
}

// RelationGetter reads a relation from a record during export.
type RelationGetter func(ctx context.Context, acc Accessor, rec Record) (any, error)

// RelationSetter attaches resolved relation targets to a record during import.
type RelationSetter func(ctx context.Context, acc Accessor, rec Record, value any) error

// ConflictDetector finds an existing record colliding with an import draft.
type ConflictDetector func(ctx context.Context, acc Accessor, recordType string, draft Record) (Record, error)

// ConsistencyFunc reports whether a draft and the record it collides with agree.
type ConsistencyFunc func(acc Accessor, draft, existing Record) (bool, error)

// FilesFunc returns extra payload paths that belong to a record.
type FilesFunc func(ctx context.Context, acc Accessor, rec Record) ([]string, error)

func defaultGetter(name string, kind RelationKind) RelationGetter {
	return func(ctx context.Context, acc Accessor, rec Record) (any, error) {
		return acc.Related(ctx, rec, name, kind)
	}
}

func defaultSetter(name string, kind RelationKind) RelationSetter {
	return func(ctx context.Context, acc Accessor, rec Record, value any) error {
		return acc.Relate(ctx, rec, name, kind, value)
	}
}
