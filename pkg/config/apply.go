package config

import (
	"context"
	"fmt"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Apply registers every parsed declaration with reg. Declarations that
// target a root are registered after that root's own configuration, whatever
// their order in the sources.
func (pt *ParsedTypes) Apply(reg *engine.Registry) error {
	evaluator := NewStarlarkEvaluator(0)

	configured := make(map[string]bool)
	for _, t := range reg.Types() {
		configured[t] = true
	}

	pending := make([]TypeSpec, len(pt.Types))
	copy(pending, pt.Types)

	for len(pending) > 0 {
		var deferred []TypeSpec
		for _, spec := range pending {
			if spec.Root != "" && spec.Root != spec.Type && !configured[spec.Root] {
				deferred = append(deferred, spec)
				continue
			}

			cfg, err := spec.TypeConfig(evaluator)
			if err != nil {
				return fmt.Errorf("failed to configure type %s: %w", spec.Type, err)
			}
			if err := reg.Register(spec.Type, cfg); err != nil {
				return fmt.Errorf("failed to register type %s: %w", spec.Type, err)
			}
			configured[spec.Type] = true
		}

		if len(deferred) == len(pending) {
			spec := deferred[0]
			return engine.NewConfigurationError(
				fmt.Sprintf("root type %s has no configuration", spec.Root), nil,
			).WithCode(engine.ErrCodeInvalidRoot).WithResource(spec.Type).WithOperation("register")
		}
		pending = deferred
	}

	return nil
}

// TypeConfig converts the declaration into an engine type configuration.
func (s TypeSpec) TypeConfig(evaluator *StarlarkEvaluator) (engine.TypeConfig, error) {
	cfg := engine.TypeConfig{
		Root:          s.Root,
		Fields:        s.Fields,
		Exclude:       s.Exclude,
		Force:         s.Force,
		IdentityField: s.IdentityField,
	}

	if len(s.FieldKinds) > 0 {
		cfg.FieldKinds = make(map[string]engine.FieldKind, len(s.FieldKinds))
		for name, kind := range s.FieldKinds {
			cfg.FieldKinds[name] = engine.FieldKind(kind)
		}
	}

	if len(s.Relations) > 0 {
		cfg.Relations = make(map[string]engine.Relation, len(s.Relations))
		for name, rel := range s.Relations {
			cfg.Relations[name] = engine.Relation{
				Kind:   engine.RelationKind(rel.Kind),
				RelyOn: rel.RelyOn,
			}
		}
	}

	if s.Conflict != nil {
		policy, err := engine.ParseConflictPolicy(s.Conflict.Policy)
		if err != nil {
			return cfg, err
		}
		check := &engine.ConflictCheck{
			Disabled:          s.Conflict.Disabled,
			Policy:            policy,
			ExternalKey:       s.Conflict.ExternalKey,
			IgnoreFields:      s.Conflict.IgnoreFields,
			ConsistencyFields: s.Conflict.ConsistencyFields,
		}
		if s.Conflict.Consistent != "" {
			pred, err := evaluator.Compile(s.Conflict.Consistent)
			if err != nil {
				return cfg, err
			}
			check.Consistent = pred.ConsistencyFunc()
		}
		cfg.Conflict = check
	}

	if len(s.Files) > 0 {
		cfg.Files = filesFromFields(s.Files)
	}

	return cfg, nil
}

// filesFromFields reports the payload paths held by the named fields. Fields
// may hold a path, a list of paths or a file reference.
func filesFromFields(fields []string) engine.FilesFunc {
	return func(_ context.Context, acc engine.Accessor, rec engine.Record) ([]string, error) {
		var paths []string
		for _, name := range fields {
			v, err := acc.Field(rec, name)
			if err != nil {
				return nil, fmt.Errorf("failed to read field %s: %w", name, err)
			}
			paths = appendPaths(paths, v)
		}
		return paths, nil
	}
}

func appendPaths(paths []string, v any) []string {
	switch val := v.(type) {
	case string:
		if val != "" {
			paths = append(paths, val)
		}
	case []string:
		for _, p := range val {
			paths = appendPaths(paths, p)
		}
	case []any:
		for _, p := range val {
			paths = appendPaths(paths, p)
		}
	case engine.FileRef:
		if val.Path != "" {
			paths = append(paths, val.Path)
		}
	case *engine.FileRef:
		if val != nil && val.Path != "" {
			paths = append(paths, val.Path)
		}
	}
	return paths
}
