package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/allaspectsdev/promptopt/internal/optimize"
)

// OptimizeCacheEntry is the row shape for the optimize_cache table. Blocks
// and Stats are stored as JSON blobs since optimize.CacheEntry carries a
// nested block slice and stats struct rather than the flat response body
// the request cache table holds.
type OptimizeCacheEntry struct {
	Key       string
	Blocks    []byte
	Stats     []byte
	CreatedAt string
	ExpiresAt string
}

// GetOptimizeCache retrieves an optimize cache row by key.
func (s *Store) GetOptimizeCache(key string) (*OptimizeCacheEntry, error) {
	e := &OptimizeCacheEntry{}
	err := s.reader.QueryRow(`
		SELECT key, blocks, stats, created_at, expires_at
		FROM optimize_cache WHERE key = ?`, key,
	).Scan(&e.Key, &e.Blocks, &e.Stats, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("store: get optimize cache %s: %w", key, err)
	}
	return e, nil
}

// SetOptimizeCache inserts or replaces an optimize cache row.
func (s *Store) SetOptimizeCache(e *OptimizeCacheEntry) error {
	_, err := s.writer.Exec(`
		INSERT OR REPLACE INTO optimize_cache (key, blocks, stats, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.Key, e.Blocks, e.Stats, e.CreatedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: set optimize cache: %w", err)
	}
	return nil
}

// DeleteExpiredOptimizeCache removes every optimize_cache row past its TTL.
func (s *Store) DeleteExpiredOptimizeCache() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.writer.Exec("DELETE FROM optimize_cache WHERE expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired optimize cache: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete expired optimize cache rows affected: %w", err)
	}
	return n, nil
}

// OptimizeCacheAdapter adapts Store to optimize.Store, the persistent tier
// behind the optimization pipeline's content-addressed cache.
type OptimizeCacheAdapter struct {
	store *Store
}

// NewOptimizeCacheAdapter creates a new OptimizeCacheAdapter wrapping the
// given Store.
func NewOptimizeCacheAdapter(s *Store) *OptimizeCacheAdapter {
	return &OptimizeCacheAdapter{store: s}
}

// optimizeBlocksEnvelope bundles the surviving blocks with the blocks that
// were dropped while producing them, so both travel together in the single
// "blocks" BLOB column rather than requiring a schema change for Dropped.
type optimizeBlocksEnvelope struct {
	Blocks  []*optimize.Block       `json:"blocks"`
	Dropped []optimize.DroppedBlock `json:"dropped,omitempty"`
}

// GetCache retrieves a cached optimization outcome, converting from the
// store's JSON-blob row shape to optimize.CacheEntry.
func (a *OptimizeCacheAdapter) GetCache(key string) (*optimize.CacheEntry, error) {
	row, err := a.store.GetOptimizeCache(key)
	if err != nil {
		return nil, err
	}

	var env optimizeBlocksEnvelope
	if err := json.Unmarshal(row.Blocks, &env); err != nil {
		return nil, fmt.Errorf("store: decode optimize cache blocks: %w", err)
	}
	var stats optimize.Stats
	if err := json.Unmarshal(row.Stats, &stats); err != nil {
		return nil, fmt.Errorf("store: decode optimize cache stats: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	expiresAt, _ := time.Parse(time.RFC3339, row.ExpiresAt)

	return &optimize.CacheEntry{
		Key:       row.Key,
		Blocks:    env.Blocks,
		Dropped:   env.Dropped,
		Stats:     stats,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// SetCache stores a cached optimization outcome, converting from
// optimize.CacheEntry to the store's JSON-blob row shape.
func (a *OptimizeCacheAdapter) SetCache(key string, entry *optimize.CacheEntry) error {
	blocks, err := json.Marshal(optimizeBlocksEnvelope{Blocks: entry.Blocks, Dropped: entry.Dropped})
	if err != nil {
		return fmt.Errorf("store: encode optimize cache blocks: %w", err)
	}
	stats, err := json.Marshal(entry.Stats)
	if err != nil {
		return fmt.Errorf("store: encode optimize cache stats: %w", err)
	}
	return a.store.SetOptimizeCache(&OptimizeCacheEntry{
		Key:       key,
		Blocks:    blocks,
		Stats:     stats,
		CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		ExpiresAt: entry.ExpiresAt.Format(time.RFC3339),
	})
}

// DeleteExpired removes all expired optimize cache entries from the store.
func (a *OptimizeCacheAdapter) DeleteExpired() error {
	_, err := a.store.DeleteExpiredOptimizeCache()
	return err
}

var _ optimize.Store = (*OptimizeCacheAdapter)(nil)
