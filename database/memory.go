package database

import (
	"context"
	"maps"
	"sync"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// MemoryProvider is the provider name of the in-process store.
const MemoryProvider = "memory"

// RegisterMemory adds the in-process store to r.
func RegisterMemory(r *Registry) {
	r.Register(MemoryProvider, func(context.Context, configpkg.DatabaseConfig, loggingpkg.ServiceLogger) (Store, error) {
		return NewMemory(), nil
	})
}

// Memory keeps documents in maps. Stored documents are copies.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Document)}
}

func (m *Memory) Insert(_ context.Context, collection string, docs ...Document) error {
	if err := RequireCollection("memory.insert", collection); err != nil {
		return err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		id, err := IDOf(doc)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	for i, id := range ids {
		if _, exists := coll[id]; exists {
			return ErrDuplicate("memory.insert", collection, id)
		}
		for _, earlier := range ids[:i] {
			if earlier == id {
				return ErrDuplicate("memory.insert", collection, id)
			}
		}
	}
	for i, doc := range docs {
		coll[ids[i]] = maps.Clone(doc)
	}
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, fields Document) error {
	if err := RequireCollection("memory.update", collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return ErrMissing("memory.update", collection, id)
	}
	Merge(doc, fields)
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	if err := RequireCollection("memory.delete", collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection][id]; !ok {
		return ErrMissing("memory.delete", collection, id)
	}
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrMissing("memory.get", collection, id)
	}
	return maps.Clone(doc), nil
}

// Count returns the number of documents in collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *Memory) Truncate(_ context.Context, collections ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(collections) == 0 {
		clear(m.collections)
		return nil
	}
	for _, name := range collections {
		delete(m.collections, name)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
