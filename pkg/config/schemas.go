package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaTypeSpec = "#TypeSpec"
	SchemaEnvelope = "#Envelope"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// the built-in source is constant; a compile failure is a programming error
	if err := sr.RegisterSource(builtinSchemas); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSource compiles CUE source and registers every definition it declares.
func (sr *SchemaRegistry) RegisterSource(source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename("schemas.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schemas: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list schemas: %w", err)
	}
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		sr.schemas[iter.Selector().String()] = iter.Value()
	}

	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Data is
// round-tripped through JSON so struct tags decide field names.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// cue.Context is not safe for concurrent use
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(encoded)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateTypeSpec validates a type declaration against the #TypeSpec schema.
func (sr *SchemaRegistry) ValidateTypeSpec(ctx context.Context, spec TypeSpec) error {
	return sr.ValidateAgainstSchema(ctx, SchemaTypeSpec, spec)
}

// ValidateEnvelope validates a decoded envelope against the #Envelope schema.
func (sr *SchemaRegistry) ValidateEnvelope(ctx context.Context, envelope interface{}) error {
	return sr.ValidateAgainstSchema(ctx, SchemaEnvelope, envelope)
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinSchemas = `
// Identifier of a record type or field.
#Name: string & =~"^[A-Za-z_][A-Za-z0-9_.-]*$"

// Transfer configuration of one record type.
#TypeSpec: {
	type:  #Name
	root?: #Name

	fields?: [...#Name]
	exclude?: [...#Name]

	field_kinds?: {[#Name]: "scalar" | "time" | "file"}

	relations?: {[#Name]: #RelationSpec}

	force?: {[#Name]: _}

	conflict?: #ConflictSpec

	files?: [...#Name]

	identity_field?: #Name
}

#RelationSpec: {
	kind:     "to_one" | "to_many" | "to_custom"
	rely_on?: bool
}

#ConflictSpec: {
	disabled?:           bool
	policy?:             "raise" | "replace" | "cover" | "ignore"
	external_key?:       #Name
	ignore_fields?:      [...#Name]
	consistency_fields?: [...#Name]
	consistent?:         string & !=""
}

// Graph key assigned in discovery order.
#Key: string & =~"^[1-9][0-9]*$"

// Decoded transfer envelope.
#Envelope: {
	root: [...#Key]
	root_type?: #Name
	index: {[#Key]: {[#Name]: _}}
	data: {[#Key]: {
		"_index": {
			type: #Name
			key:  #Key
		}
		...
	}}
	files?: [...string]
}
`
