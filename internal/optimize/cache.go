package optimize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CacheEntry is one stored optimization outcome, keyed by the fingerprint of
// its inputs (4.4).
type CacheEntry struct {
	Key       string
	Blocks    []*Block
	Dropped   []DroppedBlock
	Stats     Stats
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its TTL.
func (e *CacheEntry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Store is the persistence interface for cached optimization outcomes. A
// SQLite-backed implementation satisfies this for the persistent tier; it
// may be nil for memory-only operation.
type Store interface {
	GetCache(key string) (*CacheEntry, error)
	SetCache(key string, entry *CacheEntry) error
	DeleteExpired() error
}

// Cache is the two-tier (in-memory LRU + persistent Store) content-addressed
// cache for optimization outcomes, wrapped in a singleflight.Group so
// concurrent runs against an identical key collapse into a single
// computation (S8).
type Cache struct {
	memory *lru.Cache[string, *CacheEntry]
	store  Store
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache constructs a Cache. store may be nil for memory-only operation.
func NewCache(store Store, ttl time.Duration, maxMemoryEntries int) (*Cache, error) {
	if maxMemoryEntries <= 0 {
		maxMemoryEntries = 1000
	}
	memCache, err := lru.New[string, *CacheEntry](maxMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("optimize: creating cache LRU: %w", err)
	}
	return &Cache{memory: memCache, store: store, ttl: ttl}, nil
}

// Key computes the cache key for a set of canonicalized input blocks: the
// target model, the tokenizer encoding name, and the sorted set of block
// fingerprints, so permutation-equivalent inputs that canonicalization would
// reorder identically still hash the same (P7).
func Key(model, tokenizerEncoding string, blocks []*Block, budget int) string {
	fps := make([]string, len(blocks))
	for i, b := range blocks {
		fps[i] = b.Fingerprint
	}
	sort.Strings(fps)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", model, tokenizerEncoding, budget)
	enc := json.NewEncoder(h)
	_ = enc.Encode(fps)
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up key, checking the in-memory tier first and falling back to
// the persistent store, promoting on a store hit. Returns ok=false on a
// miss or an expired entry.
func (c *Cache) Get(key string) (*CacheEntry, bool) {
	if entry, ok := c.memory.Get(key); ok {
		if !entry.Expired() {
			return entry, true
		}
		c.memory.Remove(key)
	}

	if c.store != nil {
		entry, err := c.store.GetCache(key)
		if err == nil && entry != nil && !entry.Expired() {
			c.memory.Add(key, entry)
			return entry, true
		}
	}
	return nil, false
}

// Set stores entry in both tiers. A persistent-store write failure is
// swallowed (the in-memory tier still holds the entry) and surfaces only as
// a degraded-cache stat at the Orchestrator level, matching the
// UPSTREAM_DEGRADED contract rather than failing the run.
func (c *Cache) Set(entry *CacheEntry) error {
	c.memory.Add(entry.Key, entry)
	if c.store != nil {
		return c.store.SetCache(entry.Key, entry)
	}
	return nil
}

// GetOrCompute returns the cached entry for key if present; otherwise it
// calls compute exactly once across all concurrent callers sharing key
// (single-flight), stores the result, and returns it to every caller.
func (c *Cache) GetOrCompute(key string, compute func() (*CacheEntry, error)) (entry *CacheEntry, hit bool, err error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if e, ok := c.Get(key); ok {
			return e, nil
		}
		computed, err := compute()
		if err != nil {
			return nil, err
		}
		if setErr := c.Set(computed); setErr != nil {
			return computed, nil
		}
		return computed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*CacheEntry), false, nil
}

// Purge removes expired entries from both tiers.
func (c *Cache) Purge() {
	if c.store != nil {
		_ = c.store.DeleteExpired()
	}
	for _, key := range c.memory.Keys() {
		if entry, ok := c.memory.Peek(key); ok && entry.Expired() {
			c.memory.Remove(key)
		}
	}
}
