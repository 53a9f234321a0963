package network

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the in-process fallback used when Redis is not
// configured. Entries expire lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	objects   []string
	expiresAt time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, subject string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[subject]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, subject)
		return nil, false
	}
	out := make([]string, len(entry.objects))
	copy(out, entry.objects)
	return out, true
}

func (c *MemoryCache) Put(_ context.Context, subject string, objects []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]string, len(objects))
	copy(stored, objects)
	c.entries[subject] = memoryEntry{objects: stored, expiresAt: c.now().Add(c.ttl)}
}

func (c *MemoryCache) AddMember(_ context.Context, subject, object string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[subject]
	if !ok {
		return
	}
	for _, existing := range entry.objects {
		if existing == object {
			return
		}
	}
	entry.objects = append(entry.objects, object)
	c.entries[subject] = entry
}

func (c *MemoryCache) RemoveMember(_ context.Context, subject, object string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[subject]
	if !ok {
		return
	}
	kept := entry.objects[:0]
	for _, existing := range entry.objects {
		if existing != object {
			kept = append(kept, existing)
		}
	}
	entry.objects = kept
	c.entries[subject] = entry
}
