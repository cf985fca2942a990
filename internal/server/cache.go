package server

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process imagecheck.Cache backed by go-cache. Values
// are held as JSON bytes.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache creates a cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

// Key implements imagecheck.Cache.
func (m *MemoryCache) Key(prefix, value string) string {
	return prefix + ":" + value
}

// Get implements imagecheck.Cache.
func (m *MemoryCache) Get(_ context.Context, key string, dest any) bool {
	v, ok := m.c.Get(key)
	if !ok {
		return false
	}
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	if b, ok := dest.(*[]byte); ok {
		*b = raw
		return true
	}
	return json.Unmarshal(raw, dest) == nil
}

// Set implements imagecheck.Cache.
func (m *MemoryCache) Set(_ context.Context, key string, value any) {
	raw, ok := value.([]byte)
	if !ok {
		var err error
		if raw, err = json.Marshal(value); err != nil {
			return
		}
	}
	m.c.SetDefault(key, raw)
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int { return m.c.ItemCount() }
