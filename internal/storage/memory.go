package storage

import (
	"context"
	"sort"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Store backed by go-cache. Values never expire; the
// components that use it manage their own TTLs.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// Get retrieves a value.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	val, found := m.cache.Get(key)
	if !found {
		return nil, nil
	}
	b, ok := val.([]byte)
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent mutation
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Set stores a copy of value.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	m.cache.Set(key, valueCopy, gocache.NoExpiration)
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Keys lists keys with the given prefix in lexical order.
func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	items := m.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always returns nil for the memory store.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Close flushes the store.
func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}
