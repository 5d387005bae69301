// Package lazymap provides containers whose values are computed on demand.
//
// Map defers each value to a loader that runs on first access; filled event
// data uses it so external files are only read when a field is touched.
package lazymap

import (
	"bytes"
	"cmp"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Loader computes the value for one key.
type Loader[V any] func() (V, error)

type entry[V any] struct {
	once   sync.Once
	load   Loader[V]
	value  V
	err    error
	loaded atomic.Bool
}

func (e *entry[V]) get() (V, error) {
	e.once.Do(func() {
		if e.load != nil {
			e.value, e.err = e.load()
			e.load = nil
		}
		e.loaded.Store(true)
	})
	return e.value, e.err
}

// Map is a read-only mapping whose values are loaded lazily.
//
// Each loader runs at most once, also under concurrent Get. A loader error is
// cached and returned on every later access. The key set is fixed at
// construction.
type Map[K cmp.Ordered, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New creates a Map from loaders.
func New[K cmp.Ordered, V any](loaders map[K]Loader[V]) *Map[K, V] {
	m := &Map[K, V]{entries: make(map[K]*entry[V], len(loaders))}
	for k, l := range loaders {
		m.entries[k] = &entry[V]{load: l}
	}
	return m
}

// FromValues creates an already loaded Map.
func FromValues[K cmp.Ordered, V any](values map[K]V) *Map[K, V] {
	m := &Map[K, V]{entries: make(map[K]*entry[V], len(values))}
	for k, v := range values {
		e := &entry[V]{value: v}
		e.get()
		m.entries[k] = e
	}
	return m
}

func (m *Map[K, V]) lookup(k K) (*entry[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	return e, ok
}

// Get returns the value for k, running its loader if needed. ok is false
// when k is not a key of the map.
func (m *Map[K, V]) Get(k K) (v V, ok bool, err error) {
	e, ok := m.lookup(k)
	if !ok {
		return v, false, nil
	}
	v, err = e.get()
	return v, true, err
}

// Keys returns the keys in ascending order.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of keys.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Loaded reports whether the value for k has been computed.
func (m *Map[K, V]) Loaded(k K) bool {
	e, ok := m.lookup(k)
	if !ok {
		return false
	}
	return e.loaded.Load()
}

// Materialize loads every value and returns them as a plain map. The first
// loader error, in key order, is returned.
func (m *Map[K, V]) Materialize() (map[K]V, error) {
	out := make(map[K]V, m.Len())
	for _, k := range m.Keys() {
		v, _, err := m.Get(k)
		if err != nil {
			return nil, fmt.Errorf("load %v: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalJSON materialises the map and encodes it as a JSON object.
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	values, err := m.Materialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal(values)
}

// UnmarshalJSON replaces the contents of m with fully loaded values.
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var values map[K]V
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode lazy map: %w", err)
	}
	m.replace(values)
	return nil
}

// GobEncode materialises the map and gob-encodes the values.
func (m *Map[K, V]) GobEncode() ([]byte, error) {
	values, err := m.Materialize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return nil, fmt.Errorf("encode lazy map: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode replaces the contents of m with fully loaded values.
func (m *Map[K, V]) GobDecode(data []byte) error {
	var values map[K]V
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return fmt.Errorf("decode lazy map: %w", err)
	}
	m.replace(values)
	return nil
}

func (m *Map[K, V]) replace(values map[K]V) {
	loaded := FromValues(values)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = loaded.entries
}
