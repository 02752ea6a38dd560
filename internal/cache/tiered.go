package cache

import (
	"context"
	"sync"
	"time"

	"github.com/gatti/awsperf/internal/platform/observability"
)

// Stats is the caller-visible view of the engine counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Promotions    int64 `json:"promotions"`
	WriteFailures int64 `json:"write_failures"`
	Items         int   `json:"items"`
	Bytes         int64 `json:"bytes"`
}

// SetOptions controls entry placement. TTL wins over Category when both are
// given; an empty TierHint means auto placement.
type SetOptions struct {
	TTL      time.Duration
	Category string
	TierHint Tier
}

// Tiered is the cache engine: a fast in-process tier in front of an
// optional persistent tier. Persistent hits that recur are promoted into
// the fast tier; persistent write failures degrade the entry to
// memory-only instead of failing the caller.
type Tiered struct {
	fast       *Memory
	persistent Store // nil when running memory-only
	resolver   *TTLResolver

	promoteThreshold  int
	fastValueMaxBytes int

	logger  *observability.Logger
	metrics *observability.Metrics

	mu             sync.Mutex
	persistentHits map[string]int
	hits           int64
	misses         int64
	promotions     int64
	writeFailures  int64
}

// TieredConfig holds engine configuration.
type TieredConfig struct {
	Fast              *Memory
	Persistent        Store // optional
	Resolver          *TTLResolver
	PromoteThreshold  int
	FastValueMaxBytes int
	Logger            *observability.Logger
	Metrics           *observability.Metrics
}

// NewTiered creates the cache engine.
func NewTiered(cfg TieredConfig) *Tiered {
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = 3
	}
	if cfg.FastValueMaxBytes <= 0 {
		cfg.FastValueMaxBytes = 256 * 1024
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewTTLResolver(nil, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.Metrics{}
	}

	return &Tiered{
		fast:              cfg.Fast,
		persistent:        cfg.Persistent,
		resolver:          cfg.Resolver,
		promoteThreshold:  cfg.PromoteThreshold,
		fastValueMaxBytes: cfg.FastValueMaxBytes,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		persistentHits:    make(map[string]int),
	}
}

// Set stores value under key, overwriting any existing entry. The stale
// copy in the other tier is dropped so readers never see the old value.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = t.resolver.TTLFor(opts.Category)
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: time.Now(),
		TTL:       ttl,
	}

	tier := opts.TierHint
	if tier == "" || tier == TierAuto {
		tier = t.placeFor(len(value))
	}

	if tier == TierPersistent && t.persistent != nil {
		if err := t.persistent.Set(ctx, entry); err != nil {
			// Degrade to memory-only for this entry; the caller's write
			// still succeeds.
			t.logger.LogWarn(ctx, "persistent cache write failed, degrading to memory-only",
				"key", key, "error", err)
			t.metrics.RecordError(ctx, "cache", "write_failed")
			t.addWriteFailure()
			tier = TierMemory
		} else {
			_ = t.fast.Delete(ctx, key)
			return nil
		}
	}

	if err := t.fast.Set(ctx, entry); err != nil {
		return err
	}
	if t.persistent != nil {
		_ = t.persistent.Delete(ctx, key)
	}
	return nil
}

// Get returns the value for key, checking the fast tier first. A persistent
// hit increments the key's hit count and promotes the entry into the fast
// tier once the count reaches the threshold.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if entry, err := t.fast.Get(ctx, key); err == nil {
		t.addHit()
		t.metrics.RecordCacheHit(ctx, string(TierMemory))
		return entry.Value, nil
	}

	if t.persistent != nil {
		entry, err := t.persistent.Get(ctx, key)
		if err == nil {
			t.addHit()
			t.metrics.RecordCacheHit(ctx, string(TierPersistent))
			t.maybePromote(ctx, entry)
			return entry.Value, nil
		}
	}

	t.addMiss()
	t.metrics.RecordCacheMiss(ctx)
	return nil, ErrNotFound
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	if err := t.fast.Delete(ctx, key); err != nil {
		return err
	}
	t.forgetHits(key)
	if t.persistent != nil {
		return t.persistent.Delete(ctx, key)
	}
	return nil
}

// Clear removes all entries from the addressed tier.
func (t *Tiered) Clear(ctx context.Context, tier Tier) error {
	if tier == TierMemory || tier == TierAll {
		if err := t.fast.Clear(ctx); err != nil {
			return err
		}
	}
	if (tier == TierPersistent || tier == TierAll) && t.persistent != nil {
		if err := t.persistent.Clear(ctx); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.persistentHits = make(map[string]int)
	t.mu.Unlock()
	return nil
}

// Stats returns the merged engine counters. Item and byte counts cover the
// fast tier only; persistent backends track their own footprint.
func (t *Tiered) Stats() Stats {
	fast := t.fast.Stats()

	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Hits:          t.hits,
		Misses:        t.misses,
		Evictions:     fast.Evictions,
		Promotions:    t.promotions,
		WriteFailures: t.writeFailures,
		Items:         fast.Items,
		Bytes:         fast.Bytes,
	}
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	err := t.fast.Close()
	if t.persistent != nil {
		if perr := t.persistent.Close(); err == nil {
			err = perr
		}
	}
	return err
}

// placeFor picks the tier for the auto hint: small values go to the fast
// tier while it has headroom, everything else to the persistent tier.
func (t *Tiered) placeFor(size int) Tier {
	if t.persistent == nil {
		return TierMemory
	}
	if size <= t.fastValueMaxBytes && t.fast.HasCapacity(size) {
		return TierMemory
	}
	return TierPersistent
}

// maybePromote copies a repeatedly-read persistent entry into the fast tier.
func (t *Tiered) maybePromote(ctx context.Context, entry *Entry) {
	t.mu.Lock()
	t.persistentHits[entry.Key]++
	count := t.persistentHits[entry.Key]
	if count < t.promoteThreshold {
		t.mu.Unlock()
		return
	}
	delete(t.persistentHits, entry.Key)
	t.promotions++
	t.mu.Unlock()

	// Preserve the remaining lifetime, not the full TTL
	promoted := *entry
	if err := t.fast.Set(ctx, &promoted); err == nil {
		if t.metrics.CachePromotions != nil {
			t.metrics.CachePromotions.Add(ctx, 1)
		}
	}
}

func (t *Tiered) addHit() {
	t.mu.Lock()
	t.hits++
	t.mu.Unlock()
}

func (t *Tiered) addMiss() {
	t.mu.Lock()
	t.misses++
	t.mu.Unlock()
}

func (t *Tiered) addWriteFailure() {
	t.mu.Lock()
	t.writeFailures++
	t.mu.Unlock()
}

func (t *Tiered) forgetHits(key string) {
	t.mu.Lock()
	delete(t.persistentHits, key)
	t.mu.Unlock()
}
