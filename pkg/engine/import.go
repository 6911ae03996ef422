package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// importResource is the pooled import-side wrapper of one envelope entry.
type importResource struct {
	key        Key
	recordType string
	root       string
	config     *TypeConfig
	data       map[string]any
	index      map[string]any

	// related maps relation fields to *importResource, []*importResource or nil
	related map[string]any
	custom  map[string]any
	rely    []*importResource
	notRely []*importResource

	// draft is the materialized record, record the persisted one
	draft  Record
	fields []string
	record Record

	parsed bool
	saved  bool
	cycle  cycleMark
}

func (r *importResource) label() string {
	return fmt.Sprintf("%s:%s", r.recordType, r.key)
}

func (r *importResource) mark() *cycleMark {
	return &r.cycle
}

func (r *importResource) hardDependencies() []graphNode {
	deps := make([]graphNode, len(r.rely))
	for i, dep := range r.rely {
		deps[i] = dep
	}
	return deps
}

// importPool memoizes import resources by envelope key for one import.
type importPool struct {
	env      *Envelope
	registry *Registry

	byKey     map[Key]*importResource
	resources []*importResource
}

func newImportPool(env *Envelope, registry *Registry) *importPool {
	return &importPool{
		env:       env,
		registry:  registry,
		byKey:     make(map[Key]*importResource),
		resources: make([]*importResource, 0),
	}
}

// resource returns the canonical wrapper of the entry stored under key.
// An empty root makes the entry its own owning root.
func (p *importPool) resource(key Key, root string) (*importResource, error) {
	if r, ok := p.byKey[key]; ok {
		return r, nil
	}

	tag, err := p.env.Tag(key)
	if err != nil {
		return nil, err
	}

	if root == "" {
		root = tag.Type
	}
	root, cfg, err := p.registry.Resolve(tag.Type, root)
	if err != nil {
		return nil, err
	}

	r := &importResource{
		key:        key,
		recordType: tag.Type,
		root:       root,
		config:     cfg,
		data:       p.env.Data[key],
		index:      p.env.Index[key],
		related:    make(map[string]any),
		custom:     make(map[string]any),
	}
	p.byKey[key] = r
	p.resources = append(p.resources, r)
	return r, nil
}

// walk resolves the relation index below start depth-first.
func (p *importPool) walk(start *importResource) error {
	stack := []*importResource{start}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.parsed {
			continue
		}

		children, err := p.resolveRelations(r)
		if err != nil {
			return err
		}
		r.parsed = true

		for i := len(children) - 1; i >= 0; i-- {
			if !children[i].parsed {
				stack = append(stack, children[i])
			}
		}
	}
	return nil
}

// resolveRelations turns the index entry of r into child resources.
func (p *importPool) resolveRelations(r *importResource) ([]*importResource, error) {
	fields := make([]string, 0, len(r.index))
	for field := range r.index {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	children := make([]*importResource, 0)
	for _, field := range fields {
		rel, ok := r.config.relation(field)
		if !ok {
			continue
		}
		value := r.index[field]

		switch rel.kind {
		case RelationToCustom:
			r.custom[field] = value

		case RelationToMany:
			keys, ok := keyList(value)
			if value != nil && !ok {
				return nil, invalidEnvelope(fmt.Sprintf("entry %s has an invalid key list for %s", r.key, field))
			}
			targets := make([]*importResource, 0, len(keys))
			for _, k := range keys {
				child, err := p.child(r, k)
				if err != nil {
					return nil, err
				}
				targets = append(targets, child)
				children = append(children, child)
				r.addDependency(child, rel.relyOn)
			}
			r.related[field] = targets

		case RelationToOne:
			k, ok := keyOf(value)
			if !ok {
				r.related[field] = nil
				continue
			}
			child, err := p.child(r, k)
			if err != nil {
				return nil, err
			}
			r.related[field] = child
			children = append(children, child)
			r.addDependency(child, rel.relyOn)
		}
	}
	return children, nil
}

func (p *importPool) child(parent *importResource, key Key) (*importResource, error) {
	if _, ok := p.env.Data[key]; !ok {
		return nil, invalidEnvelope(fmt.Sprintf("entry %s references unknown key %s", parent.key, key))
	}
	return p.resource(key, parent.root)
}

func (r *importResource) addDependency(child *importResource, relyOn bool) {
	if relyOn {
		if !containsResource(r.rely, child) {
			r.rely = append(r.rely, child)
		}
	} else if !containsResource(r.notRely, child) {
		r.notRely = append(r.notRely, child)
	}
}

// materialize builds the unsaved record from the data entry of r.
func (r *importResource) materialize(acc Accessor) error {
	draft, err := acc.New(r.recordType)
	if err != nil {
		return NewStorageError("failed to create record", err).
			WithResource(r.label()).WithOperation("materialize")
	}

	names := make([]string, 0, len(r.data))
	for name := range r.data {
		if name == IndexField || name == r.config.identityField() || r.config.isExcluded(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, err := r.config.importValue(name, r.data[name])
		if err != nil {
			return NewStructuralError(fmt.Sprintf("field %s cannot be decoded", name), err).
				WithCode(ErrCodeInvalidEnvelope).WithResource(r.label()).WithOperation("materialize")
		}
		if err := acc.SetField(draft, name, value); err != nil {
			return NewStorageError(fmt.Sprintf("failed to set field %s", name), err).
				WithResource(r.label()).WithOperation("materialize")
		}
	}

	r.draft = draft
	r.fields = names
	return nil
}

// importValue converts a transported value back according to the field kind.
func (c *TypeConfig) importValue(name string, value any) (any, error) {
	switch c.FieldKinds[name] {
	case FieldTime:
		s, ok := value.(string)
		if !ok || s == "" {
			return value, nil
		}
		return time.Parse(TimeLayout, s)
	case FieldFile:
		s, ok := value.(string)
		if !ok || s == "" {
			return nil, nil
		}
		return FileRef{Name: s}, nil
	default:
		return value, nil
	}
}

// attach invokes the setters of relations whose rely-on flag matches relyOn,
// targeting rec.
func (r *importResource) attach(ctx context.Context, acc Accessor, rec Record, relyOn bool) error {
	for _, rel := range r.config.relations {
		if rel.relyOn != relyOn {
			continue
		}

		var value any
		switch rel.kind {
		case RelationToCustom:
			v, ok := r.custom[rel.name]
			if !ok {
				continue
			}
			value = v
		default:
			related, ok := r.related[rel.name]
			if !ok {
				continue
			}
			switch v := related.(type) {
			case *importResource:
				value = v.record
			case []*importResource:
				records := make([]Record, len(v))
				for i, child := range v {
					records[i] = child.record
				}
				value = records
			default:
				value = nil
			}
		}

		if err := rel.set(ctx, acc, rec, value); err != nil {
			return NewStorageError(fmt.Sprintf("failed to attach relation %s", rel.name), err).
				WithResource(r.label()).WithOperation("attach")
		}
	}
	return nil
}

// importRun carries the state of one import across the save phase.
type importRun struct {
	id       string
	logger   zerolog.Logger
	observer Observer
	result   *ImportResult
}

func (run *importRun) conflict(ctx context.Context, outcome ConflictOutcome) {
	run.result.Conflicts = append(run.result.Conflicts, outcome)
	run.logger.Info().
		Str("key", string(outcome.Key)).
		Str("type", outcome.Type).
		Str("policy", string(outcome.Policy)).
		Str("action", string(outcome.Action)).
		Str("existing", outcome.Identity).
		Msg("Resolved conflicting record")
	if run.observer != nil {
		run.observer.ConflictResolved(ctx, run.id, outcome)
	}
}

func (run *importRun) warn(ctx context.Context, err error) {
	run.result.Warnings = append(run.result.Warnings, err)
	run.logger.Warn().Err(err).Msg("Import warning")
	if run.observer != nil {
		run.observer.Warning(ctx, run.id, err)
	}
}

type savePhase int

const (
	phaseRely savePhase = iota
	phasePersist
	phaseNotRely
	phaseAttach
)

type saveFrame struct {
	r     *importResource
	phase savePhase
	next  int
}

// save persists start and every resource reachable from it: hard
// dependencies first, then the resource itself, then its soft dependencies,
// and finally the soft relations. A resource reached again through a soft
// back-reference while its own frame is still pending is saved by the newer
// frame; the older one finds it saved and stops.
func (run *importRun) save(ctx context.Context, acc Accessor, start *importResource) error {
	if start.saved {
		return nil
	}

	stack := []*saveFrame{{r: start}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		f := stack[len(stack)-1]
		r := f.r

		switch f.phase {
		case phaseRely:
			if f.next < len(r.rely) {
				child := r.rely[f.next]
				f.next++
				if !child.saved {
					stack = append(stack, &saveFrame{r: child})
				}
				continue
			}
			f.phase = phasePersist

		case phasePersist:
			if r.saved {
				stack = stack[:len(stack)-1]
				continue
			}
			if err := r.materialize(acc); err != nil {
				return err
			}
			if err := r.attach(ctx, acc, r.draft, true); err != nil {
				return err
			}
			rec, err := run.persist(ctx, acc, r)
			if err != nil {
				return err
			}
			r.record = rec
			r.saved = true
			run.result.Saved++
			if run.observer != nil {
				run.observer.ResourceTransferred(ctx, run.id, DirectionImport, r.recordType)
			}
			f.phase = phaseNotRely
			f.next = 0

		case phaseNotRely:
			if f.next < len(r.notRely) {
				child := r.notRely[f.next]
				f.next++
				if !child.saved {
					stack = append(stack, &saveFrame{r: child})
				}
				continue
			}
			f.phase = phaseAttach

		case phaseAttach:
			if err := r.attach(ctx, acc, r.record, false); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}
