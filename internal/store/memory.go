package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process. It backs tests and the
// degraded mode used when the configured backend cannot be opened.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
	seq  map[string]map[string]int64
	next int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string][]byte),
		seq:  make(map[string]map[string]int64),
	}
}

func (m *MemoryStore) Get(_ context.Context, collection, key string, out any) error {
	m.mu.RLock()
	data, ok := m.docs[collection][key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (m *MemoryStore) Upsert(_ context.Context, collection, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, key, data)
	return nil
}

func (m *MemoryStore) put(collection, key string, data []byte) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
		m.seq[collection] = make(map[string]int64)
	}
	if _, exists := m.docs[collection][key]; !exists {
		m.next++
		m.seq[collection][key] = m.next
	}
	m.docs[collection][key] = data
}

func (m *MemoryStore) AppendToArray(_ context.Context, collection, key, field string, value any, capacity int) error {
	if !fieldNameRegex.MatchString(field) {
		return fmt.Errorf("invalid field %q", field)
	}
	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc := map[string]any{}
	if data, ok := m.docs[collection][key]; ok {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
	}
	appendCapped(doc, field, normalized, capacity)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	m.put(collection, key, data)
	return nil
}

func (m *MemoryStore) Find(_ context.Context, collection string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	filter := make(map[string]any, len(q.Filter))
	for k, v := range q.Filter {
		n, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("encode filter %s: %w", k, err)
		}
		filter[k] = n
	}

	type row struct {
		data []byte
		doc  map[string]any
		seq  int64
	}

	m.mu.RLock()
	rows := make([]row, 0, len(m.docs[collection]))
	for key, data := range m.docs[collection] {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		if !matches(doc, filter) {
			continue
		}
		rows = append(rows, row{data: data, doc: doc, seq: m.seq[collection][key]})
	}
	m.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool {
		if q.Sort == "" {
			return rows[i].seq < rows[j].seq
		}
		c := compareValues(rows[i].doc[q.Sort], rows[j].doc[q.Sort])
		if c == 0 {
			return rows[i].seq < rows[j].seq
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, append(json.RawMessage(nil), r.data...))
	}
	return out, nil
}

func (m *MemoryStore) Keys(_ context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.docs[collection]))
	for k := range m.docs[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Count(ctx context.Context, collection string, filter map[string]any) (int, error) {
	docs, err := m.Find(ctx, collection, Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (m *MemoryStore) Close() error { return nil }

func matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		if !reflect.DeepEqual(doc[k], want) {
			return false
		}
	}
	return true
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	// Missing values sort first.
	switch {
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	return 0
}
