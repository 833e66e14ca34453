package core

import (
	"context"
	"sync"
	"time"
)

// MemoryCacheStore is the default in-process CacheStore: a mutex-guarded
// map handing out record copies. Freshness is judged by the discovery
// cache against each record's CacheTime, so this store never expires
// entries on its own.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	records map[string]*AgentRecord
}

// NewMemoryCacheStore creates an empty in-memory cache store.
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		records: make(map[string]*AgentRecord),
	}
}

// Get returns a copy of the cached record, or (nil, nil) on a miss.
func (m *MemoryCacheStore) Get(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Set stores a copy of the record. The ttl is ignored: in-memory
// entries age out by CacheTime comparison at lookup.
func (m *MemoryCacheStore) Set(ctx context.Context, record *AgentRecord, ttl time.Duration) error {
	if record == nil || record.ID == "" {
		return ErrInvalidConfiguration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record.Clone()
	return nil
}

// Delete removes the record for the id.
func (m *MemoryCacheStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// Clear drops every cached record.
func (m *MemoryCacheStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*AgentRecord)
	return nil
}

// IDs returns the ids of all cached records.
func (m *MemoryCacheStore) IDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	return out, nil
}
