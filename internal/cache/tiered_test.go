package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store standing in for a persistent tier.
type stubStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	failSet bool
	sets    int
}

func newStubStore() *stubStore {
	return &stubStore{entries: make(map[string]*Entry)}
}

func (s *stubStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *stubStore) Set(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.failSet {
		return fmt.Errorf("%w: disk full", ErrWriteFailed)
	}
	s.entries[entry.Key] = entry
	return nil
}

func (s *stubStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *stubStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	return nil
}

func (s *stubStore) Close() error { return nil }

func (s *stubStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

func newTestTiered(persistent Store) (*Tiered, *Memory) {
	fast := newTestMemory(100, 1<<20)
	return NewTiered(TieredConfig{
		Fast:              fast,
		Persistent:        persistent,
		Resolver:          NewTTLResolver(nil, time.Minute),
		PromoteThreshold:  3,
		FastValueMaxBytes: 1024,
	}), fast
}

func TestTiered_AutoPlacesSmallValuesInMemory(t *testing.T) {
	store := newStubStore()
	engine, fast := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	if err := engine.Set(ctx, "small", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := fast.Get(ctx, "small"); err != nil {
		t.Error("Expected small value in the fast tier")
	}
	if store.has("small") {
		t.Error("Expected small value to stay out of the persistent tier")
	}
}

func TestTiered_AutoPlacesLargeValuesInPersistent(t *testing.T) {
	store := newStubStore()
	engine, fast := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	large := make([]byte, 2048) // over FastValueMaxBytes
	if err := engine.Set(ctx, "large", large, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if !store.has("large") {
		t.Error("Expected large value in the persistent tier")
	}
	if _, err := fast.Get(ctx, "large"); err != ErrNotFound {
		t.Error("Expected large value to stay out of the fast tier")
	}

	value, err := engine.Get(ctx, "large")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(value) != 2048 {
		t.Errorf("Expected 2048 bytes back, got %d", len(value))
	}
}

func TestTiered_WriteFailureDegradesToMemory(t *testing.T) {
	store := newStubStore()
	store.failSet = true
	engine, _ := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	large := make([]byte, 2048)
	if err := engine.Set(ctx, "k", large, SetOptions{TierHint: TierPersistent}); err != nil {
		t.Fatalf("Expected write failure to degrade, not fail: %v", err)
	}

	// The entry must still be readable, served from memory
	value, err := engine.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after degraded write failed: %v", err)
	}
	if len(value) != 2048 {
		t.Errorf("Expected full value from memory, got %d bytes", len(value))
	}

	stats := engine.Stats()
	if stats.WriteFailures != 1 {
		t.Errorf("Expected 1 recorded write failure, got %d", stats.WriteFailures)
	}
}

func TestTiered_PromotionAfterRepeatedPersistentHits(t *testing.T) {
	store := newStubStore()
	engine, fast := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	// Seed the persistent tier directly, bypassing the fast tier
	if err := store.Set(ctx, &Entry{Key: "hot", Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := engine.Get(ctx, "hot"); err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
	}

	if _, err := fast.Get(ctx, "hot"); err != nil {
		t.Error("Expected entry to be promoted into the fast tier after repeated hits")
	}
	if engine.Stats().Promotions != 1 {
		t.Errorf("Expected 1 promotion, got %d", engine.Stats().Promotions)
	}
}

func TestTiered_NoPromotionBelowThreshold(t *testing.T) {
	store := newStubStore()
	engine, fast := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	if err := store.Set(ctx, &Entry{Key: "warm", Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := engine.Get(ctx, "warm"); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}

	if _, err := fast.Get(ctx, "warm"); err != ErrNotFound {
		t.Error("Expected entry below the hit threshold to stay persistent-only")
	}
}

func TestTiered_OverwriteDropsStaleCopy(t *testing.T) {
	store := newStubStore()
	engine, _ := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	// First write lands in the persistent tier
	if err := engine.Set(ctx, "k", make([]byte, 2048), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// Overwrite lands in the fast tier; the persistent copy must go
	if err := engine.Set(ctx, "k", []byte("new"), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if store.has("k") {
		t.Error("Expected stale persistent copy to be deleted on overwrite")
	}

	value, err := engine.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "new" {
		t.Errorf("Expected new value, got %s", value)
	}
}

func TestTiered_ExplicitTTLBeatsCategory(t *testing.T) {
	store := newStubStore()
	engine, fast := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	err := engine.Set(ctx, "k", []byte("v"), SetOptions{
		TTL:      time.Second,
		Category: "pricing", // preset is 24h
	})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, err := fast.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.TTL != time.Second {
		t.Errorf("Expected explicit TTL to win, got %v", entry.TTL)
	}
}

func TestTiered_CategoryTTLApplied(t *testing.T) {
	store := newStubStore()
	engine, fast := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	if err := engine.Set(ctx, "k", []byte("v"), SetOptions{Category: "spot-price"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, err := fast.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.TTL != 5*time.Minute {
		t.Errorf("Expected spot-price preset of 5m, got %v", entry.TTL)
	}
}

func TestTiered_DeleteRemovesBothTiers(t *testing.T) {
	store := newStubStore()
	engine, _ := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	if err := store.Set(ctx, &Entry{Key: "k", Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := engine.Set(ctx, "k", []byte("v"), SetOptions{TierHint: TierMemory}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := engine.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := engine.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if store.has("k") {
		t.Error("Expected persistent copy to be deleted")
	}
}

func TestTiered_MemoryOnlyWithoutPersistentTier(t *testing.T) {
	engine, _ := newTestTiered(nil)
	defer engine.Close()
	ctx := context.Background()

	// Large values have nowhere else to go
	if err := engine.Set(ctx, "k", make([]byte, 2048), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := engine.Get(ctx, "k"); err != nil {
		t.Errorf("Get failed: %v", err)
	}
}

func TestTiered_StatsCountHitsAndMisses(t *testing.T) {
	store := newStubStore()
	engine, _ := newTestTiered(store)
	defer engine.Close()
	ctx := context.Background()

	if err := engine.Set(ctx, "k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	engine.Get(ctx, "k")
	engine.Get(ctx, "missing")

	stats := engine.Stats()
	if stats.Hits != 1 {
		t.Errorf("Expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
}
