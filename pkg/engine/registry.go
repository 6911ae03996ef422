package engine

import (
	"fmt"
	"sort"
	"sync"
)

// defaultRootKey stores the configuration used when no root-specific override exists.
const defaultRootKey = "_default"

// Relation configures one relation field of a record type.
type Relation struct {
	// Kind is the relation kind.
	Kind RelationKind

	// RelyOn overrides the kind's default dependency classification.
	// A hard dependency must be persisted before the record referencing it.
	RelyOn *bool

	// Get reads the relation during export. Defaults to Accessor.Related.
	Get RelationGetter

	// Set attaches the relation during import. Defaults to Accessor.Relate.
	Set RelationSetter
}

// ConflictCheck configures conflict detection and resolution for a record type.
type ConflictCheck struct {
	// Disabled turns detection off; drafts are always inserted.
	Disabled bool

	// Policy decides what happens when a colliding record exists. Defaults to ConflictCover.
	Policy ConflictPolicy

	// ExternalKey is the field compared across systems. Defaults to DefaultExternalKeyField.
	ExternalKey string

	// Detect overrides the default external key lookup.
	Detect ConflictDetector

	// IgnoreFields are never copied onto an existing record under ConflictCover.
	IgnoreFields []string

	// ConsistencyFields are compared between draft and existing record.
	ConsistencyFields []string

	// Consistent overrides the default comparison of ConsistencyFields.
	Consistent ConsistencyFunc
}

// TypeConfig is the transfer configuration of one record type under one owning root.
type TypeConfig struct {
	// Root is the owning root type this configuration applies to. Empty means
	// the type default. Registering a root turns that root into a root-owning type.
	Root string

	// Fields lists the scalar fields to transfer. Empty means every field the
	// accessor reports.
	Fields []string

	// Exclude removes fields from the transferred set.
	Exclude []string

	// FieldKinds marks time and file fields for conversion on import.
	FieldKinds map[string]FieldKind

	// Relations maps relation field names to their configuration.
	Relations map[string]Relation

	// Force replaces transferred values with fixed overrides.
	Force map[string]any

	// Conflict configures conflict resolution. Nil uses the defaults.
	Conflict *ConflictCheck

	// Files returns extra payload paths belonging to a record.
	Files FilesFunc

	// IdentityField is the auto-identity field. Defaults to DefaultIdentityField.
	IdentityField string

	recordType string
	relations  []boundRelation
	excluded   map[string]bool
}

// boundRelation is a relation with defaults resolved at registration.
type boundRelation struct {
	name   string
	kind   RelationKind
	relyOn bool
	get    RelationGetter
	set    RelationSetter
}

// Type returns the record type this configuration was registered for.
func (c *TypeConfig) Type() string {
	return c.recordType
}

// HasRelations reports whether any relation field is configured.
func (c *TypeConfig) HasRelations() bool {
	return len(c.relations) > 0
}

// RelationNames returns the configured relation fields in sorted order.
func (c *TypeConfig) RelationNames() []string {
	names := make([]string, 0, len(c.relations))
	for _, rel := range c.relations {
		names = append(names, rel.name)
	}
	return names
}

// RelyOn reports whether the named relation is a hard dependency.
func (c *TypeConfig) RelyOn(name string) (bool, bool) {
	rel, ok := c.relation(name)
	if !ok {
		return false, false
	}
	return rel.relyOn, true
}

func (c *TypeConfig) relation(name string) (boundRelation, bool) {
	for _, rel := range c.relations {
		if rel.name == name {
			return rel, true
		}
	}
	return boundRelation{}, false
}

// isExcluded reports whether a field is never transferred.
func (c *TypeConfig) isExcluded(name string) bool {
	return c.excluded[name]
}

// fieldNames returns the transferred fields of rec in a stable order.
func (c *TypeConfig) fieldNames(acc Accessor, rec Record) []string {
	source := c.Fields
	if len(source) == 0 {
		source = acc.FieldNames(rec)
	}
	names := make([]string, 0, len(source))
	seen := make(map[string]bool, len(source))
	for _, name := range source {
		if c.isExcluded(name) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *TypeConfig) identityField() string {
	if c.IdentityField == "" {
		return DefaultIdentityField
	}
	return c.IdentityField
}

// Registry holds the per-type transfer configuration.
// It is written during startup and read-only afterwards.
type Registry struct {
	mu sync.RWMutex

	// configs maps record type to root key to configuration
	configs map[string]map[string]*TypeConfig

	// rootOwners records types other configurations declare as their root
	rootOwners map[string]bool
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{
		configs:    make(map[string]map[string]*TypeConfig),
		rootOwners: make(map[string]bool),
	}
}

// Register adds the configuration of a record type.
func (r *Registry) Register(recordType string, cfg TypeConfig) error {
	if recordType == "" {
		return NewConfigurationError("record type is required", nil).
			WithCode(ErrCodeValidation).
			WithOperation("register")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Root != "" && cfg.Root != recordType {
		if len(r.configs[cfg.Root]) == 0 {
			return NewConfigurationError(
				fmt.Sprintf("root type %s has no configuration", cfg.Root), nil,
			).WithCode(ErrCodeInvalidRoot).WithResource(recordType).WithOperation("register")
		}
	}

	bound, err := bindConfig(recordType, cfg)
	if err != nil {
		return err
	}

	rootKey := cfg.Root
	if rootKey == "" {
		rootKey = defaultRootKey
	}
	if r.configs[recordType] == nil {
		r.configs[recordType] = make(map[string]*TypeConfig)
	}
	r.configs[recordType][rootKey] = bound
	if cfg.Root != "" {
		r.rootOwners[cfg.Root] = true
	}

	return nil
}

// RegisterType is the flat form of Register for types configured without closures.
func (r *Registry) RegisterType(
	recordType string,
	fields []string,
	exclude []string,
	relations map[string]Relation,
	force map[string]any,
	policy ConflictPolicy,
) error {
	return r.Register(recordType, TypeConfig{
		Fields:    fields,
		Exclude:   exclude,
		Relations: relations,
		Force:     force,
		Conflict:  &ConflictCheck{Policy: policy},
	})
}

// bindConfig copies cfg and resolves relation and conflict defaults.
func bindConfig(recordType string, cfg TypeConfig) (*TypeConfig, error) {
	bound := cfg
	bound.recordType = recordType

	bound.excluded = make(map[string]bool, len(cfg.Exclude))
	for _, name := range cfg.Exclude {
		bound.excluded[name] = true
	}

	names := make([]string, 0, len(cfg.Relations))
	for name := range cfg.Relations {
		names = append(names, name)
	}
	sort.Strings(names)

	bound.relations = make([]boundRelation, 0, len(names))
	for _, name := range names {
		rel := cfg.Relations[name]
		if err := rel.Kind.Validate(); err != nil {
			return nil, NewConfigurationError(
				fmt.Sprintf("relation %s.%s is invalid", recordType, name), err,
			).WithCode(ErrCodeInvalidRelation).WithResource(recordType).WithOperation("register")
		}

		relyOn := rel.Kind.DefaultRelyOn()
		if rel.RelyOn != nil {
			relyOn = *rel.RelyOn
		}
		get := rel.Get
		if get == nil {
			get = defaultGetter(name, rel.Kind)
		}
		set := rel.Set
		if set == nil {
			set = defaultSetter(name, rel.Kind)
		}

		bound.relations = append(bound.relations, boundRelation{
			name:   name,
			kind:   rel.Kind,
			relyOn: relyOn,
			get:    get,
			set:    set,
		})
	}

	check := ConflictCheck{}
	if cfg.Conflict != nil {
		check = *cfg.Conflict
	}
	policy, err := ParseConflictPolicy(string(check.Policy))
	if err != nil {
		return nil, NewConfigurationError(
			fmt.Sprintf("conflict policy of %s is invalid", recordType), err,
		).WithCode(ErrCodeValidation).WithResource(recordType).WithOperation("register")
	}
	check.Policy = policy
	if check.ExternalKey == "" {
		check.ExternalKey = DefaultExternalKeyField
	}
	bound.Conflict = &check

	return &bound, nil
}

// Lookup returns the configuration of a record type under an owning root,
// falling back to the type default.
func (r *Registry) Lookup(recordType, rootType string) (*TypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	options, ok := r.configs[recordType]
	if !ok {
		return nil, NewConfigurationError(
			fmt.Sprintf("record type %s is not registered", recordType), nil,
		).WithCode(ErrCodeUnknownType).WithResource(recordType).WithOperation("lookup")
	}

	if rootType != "" {
		if cfg, ok := options[rootType]; ok {
			return cfg, nil
		}
	}
	if cfg, ok := options[defaultRootKey]; ok {
		return cfg, nil
	}

	return nil, NewConfigurationError(
		fmt.Sprintf("record type %s has no configuration for root %s", recordType, rootType), nil,
	).WithCode(ErrCodeUnknownType).WithResource(recordType).WithOperation("lookup")
}

// OwnsRoot reports whether other configurations use recordType as their root.
func (r *Registry) OwnsRoot(recordType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rootOwners[recordType]
}

// Resolve returns the effective owning root and configuration of a record
// reached under rootType. Root-owning types always own themselves.
func (r *Registry) Resolve(recordType, rootType string) (string, *TypeConfig, error) {
	if r.OwnsRoot(recordType) {
		rootType = recordType
	}
	cfg, err := r.Lookup(recordType, rootType)
	if err != nil {
		return "", nil, err
	}
	return rootType, cfg, nil
}

// Types returns the registered record types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Roots returns the root keys configured for a record type, default included.
func (r *Registry) Roots(recordType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roots := make([]string, 0, len(r.configs[recordType]))
	for root := range r.configs[recordType] {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Bool returns a pointer to b, for Relation.RelyOn literals.
func Bool(b bool) *bool {
	return &b
}
