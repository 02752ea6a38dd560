// Package cache implements the two-tier cache engine: a fast in-process LRU
// tier backed by an optional persistent tier (disk, Redis or DynamoDB).
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in cache
	ErrNotFound = errors.New("cache: key not found")

	// ErrWriteFailed is returned when the persistent tier rejects a write
	ErrWriteFailed = errors.New("cache: persistent write failed")
)

// Tier identifies a storage class within the cache.
type Tier string

const (
	// TierMemory is the fast in-process tier
	TierMemory Tier = "memory"
	// TierPersistent is the slower durable tier
	TierPersistent Tier = "persistent"
	// TierAll addresses both tiers (Clear only)
	TierAll Tier = "all"
	// TierAuto lets the engine place the entry by size and capacity
	TierAuto Tier = "auto"
)

// Entry is a cache entry. The engine owns entries; callers never mutate
// them in place, Set overwrites atomically.
type Entry struct {
	Key         string        `json:"key"`
	Value       []byte        `json:"value"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
	AccessCount int64         `json:"access_count,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed. A zero TTL never
// expires.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// Size returns the payload size in bytes.
func (e *Entry) Size() int {
	return len(e.Value)
}

// Store is a single cache tier.
type Store interface {
	// Get returns the entry if present and unexpired. Expired or corrupted
	// entries are deleted as a side effect and reported as ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry, overwriting any existing one for the key.
	Set(ctx context.Context, entry *Entry) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// defaultTTLCategories maps a semantic resource category to a default TTL.
// Low-volatility data (pricing catalogs, instance types) keeps hours-long
// TTLs; rapidly-changing state (spot prices) keeps minutes-long TTLs.
var defaultTTLCategories = map[string]time.Duration{
	"spot-price":     5 * time.Minute,
	"instance-type":  24 * time.Hour,
	"pricing":        24 * time.Hour,
	"ami":            12 * time.Hour,
	"security-group": 1 * time.Hour,
	"vpc":            1 * time.Hour,
}

// TTLResolver maps TTL categories to durations.
type TTLResolver struct {
	categories map[string]time.Duration
	fallback   time.Duration
}

// NewTTLResolver builds a resolver from the built-in presets merged with
// overrides. fallback applies to unknown categories and the empty category.
func NewTTLResolver(overrides map[string]time.Duration, fallback time.Duration) *TTLResolver {
	if fallback <= 0 {
		fallback = 10 * time.Minute
	}

	categories := make(map[string]time.Duration, len(defaultTTLCategories)+len(overrides))
	for k, v := range defaultTTLCategories {
		categories[k] = v
	}
	for k, v := range overrides {
		categories[k] = v
	}

	return &TTLResolver{categories: categories, fallback: fallback}
}

// TTLFor returns the TTL for a category.
func (r *TTLResolver) TTLFor(category string) time.Duration {
	if ttl, ok := r.categories[category]; ok {
		return ttl
	}
	return r.fallback
}
