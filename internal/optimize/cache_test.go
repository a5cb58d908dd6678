package optimize

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]*CacheEntry)} }

func (s *memStore) GetCache(key string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key], nil
}

func (s *memStore) SetCache(key string, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

func (s *memStore) DeleteExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.Expired() {
			delete(s.entries, k)
		}
	}
	return nil
}

func TestKeyStableUnderFingerprintPermutation(t *testing.T) {
	b1 := NewBlock(KindUser, "a", "message:user", 0)
	b2 := NewBlock(KindAssistant, "b", "message:assistant", 1)

	k1 := Key("gpt-4", "cl100k_base", []*Block{b1, b2}, 1000)
	k2 := Key("gpt-4", "cl100k_base", []*Block{b2, b1}, 1000)
	if k1 != k2 {
		t.Fatal("expected the cache key to be independent of input block order")
	}

	k3 := Key("gpt-4", "cl100k_base", []*Block{b1, b2}, 500)
	if k1 == k3 {
		t.Fatal("expected a different budget to produce a different key")
	}
}

func TestCacheGetSetRoundTrip(t *testing.T) {
	c, err := NewCache(nil, time.Minute, 10)
	if err != nil {
		t.Fatalf("NewCache error: %v", err)
	}
	entry := &CacheEntry{Key: "k1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := c.Set(entry); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	got, ok := c.Get("k1")
	if !ok || got.Key != "k1" {
		t.Fatal("expected to retrieve the entry just set")
	}
}

func TestCacheGetExpiredIsMiss(t *testing.T) {
	c, _ := NewCache(nil, time.Minute, 10)
	entry := &CacheEntry{Key: "k1", CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute)}
	_ = c.Set(entry)
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expected an expired entry to be a miss")
	}
}

func TestCachePromotesFromPersistentStore(t *testing.T) {
	store := newMemStore()
	c, _ := NewCache(store, time.Minute, 10)

	entry := &CacheEntry{Key: "k1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	_ = store.SetCache("k1", entry)

	got, ok := c.Get("k1")
	if !ok || got.Key != "k1" {
		t.Fatal("expected a store-tier hit to be returned")
	}
	if _, ok := c.memory.Peek("k1"); !ok {
		t.Fatal("expected a store-tier hit to be promoted into the memory tier")
	}
}

func TestGetOrComputeSingleFlightsConcurrentCallers(t *testing.T) {
	c, _ := NewCache(nil, time.Minute, 10)

	var calls int32
	compute := func() (*CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &CacheEntry{Key: "shared", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := c.GetOrCompute("shared", compute); err != nil {
				t.Errorf("GetOrCompute error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected compute to run exactly once for concurrent callers sharing a key, ran %d times", got)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	c, _ := NewCache(nil, time.Minute, 10)
	wantErr := fmt.Errorf("boom")
	_, _, err := c.GetOrCompute("k", func() (*CacheEntry, error) { return nil, wantErr })
	if err != wantErr {
		t.Fatalf("expected compute's error to propagate, got %v", err)
	}
}

func TestPurgeRemovesExpiredFromBothTiers(t *testing.T) {
	store := newMemStore()
	c, _ := NewCache(store, time.Minute, 10)

	expired := &CacheEntry{Key: "old", CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute)}
	_ = c.Set(expired)

	c.Purge()

	if _, ok := c.memory.Peek("old"); ok {
		t.Fatal("expected Purge to remove the expired entry from the memory tier")
	}
	if e, _ := store.GetCache("old"); e != nil {
		t.Fatal("expected Purge to remove the expired entry from the persistent tier")
	}
}
