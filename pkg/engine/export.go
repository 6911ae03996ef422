package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// exportResource is the pooled export-side wrapper of one record.
type exportResource struct {
	key        Key
	recordType string
	identity   string
	record     Record
	root       string
	config     *TypeConfig

	// related maps relation fields to *exportResource, []*exportResource or nil
	related map[string]any
	custom  map[string]any

	// children lists every distinct related resource in encounter order
	children []*exportResource
	rely     []*exportResource
	notRely  []*exportResource

	data  map[string]any
	files map[string]bool

	parsed bool
	dumped bool
	cycle  cycleMark
}

func (r *exportResource) label() string {
	return fmt.Sprintf("%s:%s", r.recordType, r.identity)
}

func (r *exportResource) mark() *cycleMark {
	return &r.cycle
}

func (r *exportResource) hardDependencies() []graphNode {
	deps := make([]graphNode, len(r.rely))
	for i, dep := range r.rely {
		deps[i] = dep
	}
	return deps
}

// poolIdentity is the export pool key.
type poolIdentity struct {
	recordType string
	identity   string
}

// exportPool memoizes export resources for the duration of one export.
type exportPool struct {
	acc      Accessor
	registry *Registry

	byIdentity map[poolIdentity]*exportResource
	resources  []*exportResource
}

func newExportPool(acc Accessor, registry *Registry) *exportPool {
	return &exportPool{
		acc:        acc,
		registry:   registry,
		byIdentity: make(map[poolIdentity]*exportResource),
		resources:  make([]*exportResource, 0),
	}
}

// resource returns the canonical wrapper of rec, creating it on first use.
func (p *exportPool) resource(rec Record, root string) (*exportResource, error) {
	recordType, ok := p.acc.TypeOf(rec)
	if !ok {
		return nil, NewConfigurationError(
			fmt.Sprintf("unexpected record value of type %T", rec), nil,
		).WithCode(ErrCodeUnexpectedTarget).WithOperation("export")
	}
	identity, ok := p.acc.Identity(rec)
	if !ok {
		return nil, NewConfigurationError("cannot export a record that was never persisted", nil).
			WithCode(ErrCodeValidation).WithResource(recordType).WithOperation("export")
	}

	id := poolIdentity{recordType: recordType, identity: identity}
	if r, ok := p.byIdentity[id]; ok {
		return r, nil
	}

	if root == "" {
		root = recordType
	}
	root, cfg, err := p.registry.Resolve(recordType, root)
	if err != nil {
		return nil, err
	}

	r := &exportResource{
		key:        Key(strconv.Itoa(len(p.resources) + 1)),
		recordType: recordType,
		identity:   identity,
		record:     rec,
		root:       root,
		config:     cfg,
		related:    make(map[string]any),
		custom:     make(map[string]any),
		files:      make(map[string]bool),
	}
	p.byIdentity[id] = r
	p.resources = append(p.resources, r)
	return r, nil
}

// walk parses the relation tree below start depth-first. Every resource is
// parsed once, however many edges lead to it.
func (p *exportPool) walk(ctx context.Context, start *exportResource) error {
	stack := []*exportResource{start}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.parsed {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.collectRelations(ctx, r); err != nil {
			return err
		}
		r.parsed = true

		for i := len(r.children) - 1; i >= 0; i-- {
			if !r.children[i].parsed {
				stack = append(stack, r.children[i])
			}
		}
	}
	return nil
}

// collectRelations invokes every relation getter of r and pools the targets.
func (p *exportPool) collectRelations(ctx context.Context, r *exportResource) error {
	for _, rel := range r.config.relations {
		value, err := rel.get(ctx, p.acc, r.record)
		if err != nil {
			return NewStorageError(fmt.Sprintf("failed to read relation %s", rel.name), err).
				WithResource(r.label()).WithOperation("export")
		}

		switch rel.kind {
		case RelationToCustom:
			r.custom[rel.name] = value

		case RelationToMany:
			items, ok := recordList(value)
			if !ok {
				return unexpectedTarget(r, rel, value)
			}
			targets := make([]*exportResource, 0, len(items))
			for _, item := range items {
				child, err := p.child(r, rel, item)
				if err != nil {
					return err
				}
				if !containsResource(targets, child) {
					targets = append(targets, child)
				}
				r.addChild(child, rel.relyOn)
			}
			r.related[rel.name] = targets

		case RelationToOne:
			if isNil(value) {
				r.related[rel.name] = nil
				continue
			}
			if _, isList := recordList(value); isList {
				return unexpectedTarget(r, rel, value)
			}
			child, err := p.child(r, rel, value)
			if err != nil {
				return err
			}
			r.related[rel.name] = child
			r.addChild(child, rel.relyOn)
		}
	}
	return nil
}

func (p *exportPool) child(parent *exportResource, rel boundRelation, value any) (*exportResource, error) {
	if _, ok := p.acc.TypeOf(value); !ok {
		return nil, unexpectedTarget(parent, rel, value)
	}
	return p.resource(value, parent.root)
}

func (r *exportResource) addChild(child *exportResource, relyOn bool) {
	if !containsResource(r.children, child) {
		r.children = append(r.children, child)
	}
	if relyOn {
		if !containsResource(r.rely, child) {
			r.rely = append(r.rely, child)
		}
	} else if !containsResource(r.notRely, child) {
		r.notRely = append(r.notRely, child)
	}
}

// serialize produces the data entry of r. It runs once per resource.
func (r *exportResource) serialize(ctx context.Context, acc Accessor) error {
	if r.dumped {
		return nil
	}

	data := map[string]any{
		IndexField: map[string]any{
			"type": r.recordType,
			"key":  string(r.key),
		},
	}

	for _, name := range r.config.fieldNames(acc, r.record) {
		if forced, ok := r.config.Force[name]; ok {
			data[name] = forced
			continue
		}

		value, err := acc.Field(r.record, name)
		if err != nil {
			return NewStorageError(fmt.Sprintf("failed to read field %s", name), err).
				WithResource(r.label()).WithOperation("serialize")
		}
		data[name] = r.transportValue(value)
	}

	if r.config.Files != nil {
		paths, err := r.config.Files(ctx, acc, r.record)
		if err != nil {
			return NewStorageError("failed to collect record files", err).
				WithResource(r.label()).WithOperation("serialize")
		}
		for _, path := range paths {
			if path != "" {
				r.files[path] = true
			}
		}
	}

	r.data = data
	r.dumped = true
	return nil
}

// transportValue converts a field value to its transported form and records
// file payloads.
func (r *exportResource) transportValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(TimeLayout)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(TimeLayout)
	case FileRef:
		return r.fileValue(v)
	case *FileRef:
		if v == nil {
			return nil
		}
		return r.fileValue(*v)
	default:
		return value
	}
}

func (r *exportResource) fileValue(ref FileRef) any {
	if ref.Name == "" {
		return nil
	}
	if ref.Path != "" {
		r.files[ref.Path] = true
	}
	return ref.Name
}

// relationIndex translates the relation buckets of r into keys.
func (r *exportResource) relationIndex() map[string]any {
	index := make(map[string]any, len(r.related)+len(r.custom))
	for name, value := range r.custom {
		index[name] = value
	}
	for name, value := range r.related {
		switch v := value.(type) {
		case *exportResource:
			index[name] = string(v.key)
		case []*exportResource:
			keys := make([]string, len(v))
			for i, child := range v {
				keys[i] = string(child.key)
			}
			index[name] = keys
		default:
			index[name] = nil
		}
	}
	return index
}

func (r *exportResource) fileList() []string {
	files := make([]string, 0, len(r.files))
	for f := range r.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// recordList unpacks any slice value into its elements.
func recordList(value any) ([]any, bool) {
	if value == nil {
		return nil, true
	}
	if list, ok := value.([]any); ok {
		return list, true
	}
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		items[i] = v.Index(i).Interface()
	}
	return items, true
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

func containsResource[T comparable](list []T, r T) bool {
	for _, item := range list {
		if item == r {
			return true
		}
	}
	return false
}

func unexpectedTarget(r *exportResource, rel boundRelation, value any) error {
	return NewConfigurationError(
		fmt.Sprintf("unexpected %s resource type %T for %s.%s", rel.kind, value, r.recordType, rel.name), nil,
	).WithCode(ErrCodeUnexpectedTarget).WithResource(r.label()).WithOperation("export")
}
