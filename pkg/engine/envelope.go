package engine

import (
	"fmt"
	"sort"
	"strconv"
)

// Envelope is the flat, transport-ready representation of an exported graph.
// It only holds plain maps, lists and primitives.
type Envelope struct {
	// Roots lists the keys of the records passed in as entry points.
	Roots []Key `json:"root" yaml:"root"`

	// RootType is the owning root the roots were exported under. Empty means
	// every root owns itself.
	RootType string `json:"root_type,omitempty" yaml:"root_type,omitempty"`

	// Index maps each key to its relation fields: a key, a list of keys,
	// an opaque custom value or nil.
	Index map[Key]map[string]any `json:"index" yaml:"index"`

	// Data maps each key to its transferred fields and IndexField tag.
	Data map[Key]map[string]any `json:"data" yaml:"data"`

	// Files lists the payload paths referenced by the graph.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// IndexTag identifies the record type and key of a data entry.
type IndexTag struct {
	Type string `json:"type"`
	Key  Key    `json:"key"`
}

// NewEnvelope creates an empty envelope.
func NewEnvelope() *Envelope {
	return &Envelope{
		Roots: make([]Key, 0),
		Index: make(map[Key]map[string]any),
		Data:  make(map[Key]map[string]any),
	}
}

// Keys returns all data keys in numeric order.
func (e *Envelope) Keys() []Key {
	keys := make([]Key, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Tag returns the IndexField tag of the entry stored under key.
func (e *Envelope) Tag(key Key) (IndexTag, error) {
	data, ok := e.Data[key]
	if !ok {
		return IndexTag{}, invalidEnvelope(fmt.Sprintf("key %s has no data", key))
	}
	return parseTag(key, data[IndexField])
}

// Validate checks that every root and every data entry is well formed and that
// every relation index entry references a known key.
func (e *Envelope) Validate() error {
	if e == nil {
		return invalidEnvelope("envelope is nil")
	}
	for _, root := range e.Roots {
		if _, ok := e.Data[root]; !ok {
			return invalidEnvelope(fmt.Sprintf("root %s has no data", root))
		}
	}
	for _, key := range e.Keys() {
		if _, err := parseTag(key, e.Data[key][IndexField]); err != nil {
			return err
		}
	}
	for key := range e.Index {
		if _, ok := e.Data[key]; !ok {
			return invalidEnvelope(fmt.Sprintf("index entry %s has no data", key))
		}
	}
	return nil
}

// TypeCounts returns the number of entries per record type.
func (e *Envelope) TypeCounts() map[string]int {
	counts := make(map[string]int)
	for key := range e.Data {
		if tag, err := e.Tag(key); err == nil {
			counts[tag.Type]++
		}
	}
	return counts
}

// parseTag decodes an IndexField value. Decoded envelopes carry it as a
// generic map, freshly built ones as IndexTag.
func parseTag(key Key, raw any) (IndexTag, error) {
	var tag IndexTag
	switch v := raw.(type) {
	case IndexTag:
		tag = v
	case map[string]any:
		t, _ := v["type"].(string)
		k, ok := keyOf(v["key"])
		if !ok {
			return IndexTag{}, invalidEnvelope(fmt.Sprintf("entry %s has an invalid index key", key))
		}
		tag = IndexTag{Type: t, Key: k}
	case map[string]string:
		tag = IndexTag{Type: v["type"], Key: Key(v["key"])}
	default:
		return IndexTag{}, invalidEnvelope(fmt.Sprintf("entry %s has no %s tag", key, IndexField))
	}
	if tag.Type == "" {
		return IndexTag{}, invalidEnvelope(fmt.Sprintf("entry %s has no record type", key))
	}
	if tag.Key != key {
		return IndexTag{}, invalidEnvelope(fmt.Sprintf("entry %s is tagged with key %s", key, tag.Key))
	}
	return tag, nil
}

// keyOf converts a decoded index value to a Key.
func keyOf(v any) (Key, bool) {
	switch k := v.(type) {
	case Key:
		return k, k != ""
	case string:
		return Key(k), k != ""
	case int:
		return Key(strconv.Itoa(k)), true
	case int64:
		return Key(strconv.FormatInt(k, 10)), true
	case float64:
		return Key(strconv.FormatInt(int64(k), 10)), true
	default:
		return "", false
	}
}

// keyList converts a decoded index value to a list of keys.
func keyList(v any) ([]Key, bool) {
	switch list := v.(type) {
	case []Key:
		return list, true
	case []string:
		keys := make([]Key, len(list))
		for i, s := range list {
			keys[i] = Key(s)
		}
		return keys, true
	case []any:
		keys := make([]Key, 0, len(list))
		for _, item := range list {
			k, ok := keyOf(item)
			if !ok {
				return nil, false
			}
			keys = append(keys, k)
		}
		return keys, true
	default:
		return nil, false
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(string(keys[i]))
		b, errB := strconv.Atoi(string(keys[j]))
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
}

func invalidEnvelope(msg string) *EngineError {
	return NewStructuralError(msg, nil).WithCode(ErrCodeInvalidEnvelope)
}
