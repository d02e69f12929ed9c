package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is a goroutine-safe in-memory Store. Nothing survives a restart; it
// backs tests and the memory:// DSN.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Record
	closed  bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]Record)}
}

func copyRecord(rec Record) Record {
	value := make([]byte, len(rec.Value))
	copy(value, rec.Value)
	return Record{Key: rec.Key, Index: rec.Index, Value: value}
}

// Get implements Store.Get
func (m *Memory) Get(_ context.Context, bucket, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, wrap("get", bucket, key, errClosed)
	}
	rec, ok := m.buckets[bucket][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Put implements Store.Put
func (m *Memory) Put(_ context.Context, bucket string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("put", bucket, rec.Key, errClosed)
	}
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]Record)
		m.buckets[bucket] = b
	}
	b[rec.Key] = copyRecord(rec)
	return nil
}

// Delete implements Store.Delete
func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("delete", bucket, key, errClosed)
	}
	delete(m.buckets[bucket], key)
	return nil
}

// GetAll implements Store.GetAll
func (m *Memory) GetAll(_ context.Context, bucket string) ([]Record, error) {
	return m.scan(bucket, func(Record) bool { return true })
}

// IndexScan implements Store.IndexScan
func (m *Memory) IndexScan(_ context.Context, bucket, index string) ([]Record, error) {
	return m.scan(bucket, func(rec Record) bool { return rec.Index == index })
}

func (m *Memory) scan(bucket string, match func(Record) bool) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("scan", bucket, "", errClosed)
	}
	records := make([]Record, 0, len(m.buckets[bucket]))
	for _, rec := range m.buckets[bucket] {
		if match(rec) {
			records = append(records, copyRecord(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Close marks the store closed; subsequent calls fail with a storage error.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
