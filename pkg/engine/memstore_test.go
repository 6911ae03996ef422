package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

// memRecord is the record type handled by memStore.
type memRecord struct {
	Type   string
	ID     string
	Fields map[string]any
	Links  map[string]any
}

func (r *memRecord) clone() *memRecord {
	c := &memRecord{
		Type:   r.Type,
		ID:     r.ID,
		Fields: make(map[string]any, len(r.Fields)),
		Links:  make(map[string]any, len(r.Links)),
	}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	for k, v := range r.Links {
		c.Links[k] = v
	}
	return c
}

// memStore is an in-memory Accessor recording every write.
type memStore struct {
	nextID  int
	records []*memRecord

	// calls lists writes as "insert:<type>", "update:<type>" and "relate:<type>.<field>"
	calls []string

	onInsert func(rec *memRecord)
	failOn   string
}

func newMemStore() *memStore {
	return &memStore{}
}

// add persists a record directly, bypassing the call log.
func (s *memStore) add(recordType string, fields map[string]any) *memRecord {
	s.nextID++
	rec := &memRecord{
		Type:   recordType,
		ID:     strconv.Itoa(s.nextID),
		Fields: fields,
		Links:  make(map[string]any),
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	s.records = append(s.records, rec)
	return rec
}

func (s *memStore) ofType(recordType string) []*memRecord {
	out := make([]*memRecord, 0)
	for _, rec := range s.records {
		if rec.Type == recordType {
			out = append(out, rec)
		}
	}
	return out
}

func (s *memStore) TypeOf(v any) (string, bool) {
	rec, ok := v.(*memRecord)
	if !ok || rec == nil {
		return "", false
	}
	return rec.Type, true
}

func (s *memStore) Identity(rec Record) (string, bool) {
	r := rec.(*memRecord)
	return r.ID, r.ID != ""
}

func (s *memStore) FieldNames(rec Record) []string {
	r := rec.(*memRecord)
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *memStore) Field(rec Record, name string) (any, error) {
	return rec.(*memRecord).Fields[name], nil
}

func (s *memStore) SetField(rec Record, name string, value any) error {
	rec.(*memRecord).Fields[name] = value
	return nil
}

func (s *memStore) Related(ctx context.Context, rec Record, name string, kind RelationKind) (any, error) {
	value := rec.(*memRecord).Links[name]
	if kind == RelationToMany && value == nil {
		return []*memRecord{}, nil
	}
	return value, nil
}

func (s *memStore) Relate(ctx context.Context, rec Record, name string, kind RelationKind, value any) error {
	r := rec.(*memRecord)
	s.calls = append(s.calls, fmt.Sprintf("relate:%s.%s", r.Type, name))
	switch kind {
	case RelationToMany:
		list, _ := value.([]Record)
		targets := make([]*memRecord, 0, len(list))
		for _, item := range list {
			targets = append(targets, item.(*memRecord))
		}
		r.Links[name] = targets
	case RelationToOne:
		if value == nil {
			r.Links[name] = nil
			return nil
		}
		r.Links[name] = value.(*memRecord)
	default:
		r.Links[name] = value
	}
	return nil
}

func (s *memStore) New(recordType string) (Record, error) {
	return &memRecord{
		Type:   recordType,
		Fields: make(map[string]any),
		Links:  make(map[string]any),
	}, nil
}

func (s *memStore) Insert(ctx context.Context, rec Record) (Record, error) {
	r := rec.(*memRecord)
	if s.failOn == r.Type {
		return nil, fmt.Errorf("insert of %s failed", r.Type)
	}
	if s.onInsert != nil {
		s.onInsert(r)
	}
	s.calls = append(s.calls, "insert:"+r.Type)
	s.nextID++
	r.ID = strconv.Itoa(s.nextID)
	s.records = append(s.records, r)
	return r, nil
}

func (s *memStore) Update(ctx context.Context, rec Record) (Record, error) {
	r := rec.(*memRecord)
	s.calls = append(s.calls, "update:"+r.Type)
	return r, nil
}

func (s *memStore) FindByExternalKey(ctx context.Context, recordType, field, key string) (Record, error) {
	for _, rec := range s.records {
		if rec.Type == recordType && fmt.Sprint(rec.Fields[field]) == key {
			return rec, nil
		}
	}
	return nil, nil
}

// Atomic restores every record to its state before fn when fn fails.
func (s *memStore) Atomic(ctx context.Context, fn func(ctx context.Context, acc Accessor) error) error {
	snapshot := make([]*memRecord, len(s.records))
	contents := make([]*memRecord, len(s.records))
	for i, rec := range s.records {
		snapshot[i] = rec
		contents[i] = rec.clone()
	}
	nextID := s.nextID

	if err := fn(ctx, s); err != nil {
		for i, rec := range snapshot {
			*rec = *contents[i]
		}
		s.records = snapshot
		s.nextID = nextID
		return err
	}
	return nil
}

// countCalls returns how many logged calls equal call.
func (s *memStore) countCalls(call string) int {
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}
