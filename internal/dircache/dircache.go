// Package dircache caches enumerated directory children per virtual path
// for a short TTL, cutting repeated disk walks and API calls.
package dircache

import (
	"strings"
	"sync"
	"time"

	"github.com/xmonader/githubfuse/internal/metrics"
)

// Kind is the entry type reported to directory listings.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// Entry is one child of a listed directory.
type Entry struct {
	Name string
	Kind Kind
}

type cached struct {
	children  []Entry
	expiresAt time.Time
}

// Cache holds per-directory listings keyed by virtual path.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cached
}

// New creates a cache. A non-positive ttl disables caching: every List
// invokes its producer.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cached),
	}
}

// List returns the children of the directory at path, invoking producer
// on a miss or after expiry. Producer results are cached only on success.
func (c *Cache) List(path string, producer func() ([]Entry, error)) ([]Entry, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		ent, ok := c.entries[path]
		c.mu.RUnlock()
		if ok && time.Now().Before(ent.expiresAt) {
			metrics.RecordDirCacheHit()
			return ent.children, nil
		}
	}

	metrics.RecordDirCacheMiss()
	children, err := producer()
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[path] = cached{
			children:  children,
			expiresAt: time.Now().Add(c.ttl),
		}
		c.mu.Unlock()
	}

	return children, nil
}

// Invalidate drops the entry for path, if any.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// InvalidatePrefix drops every entry at or below root. Used for coarse
// whole-repository invalidation when a key transitions out of Ready.
func (c *Cache) InvalidatePrefix(root string) {
	prefix := strings.TrimSuffix(root, "/") + "/"
	c.mu.Lock()
	for path := range c.entries {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
