package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStats holds fast-tier counters.
type MemoryStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Items     int
	Bytes     int64
}

// Memory is the fast in-process tier: an LRU keyed map with item-count and
// byte-size budgets. When either budget is exceeded the least-recently-used
// entries are evicted down to evictTarget of the budget in one pass.
type Memory struct {
	maxItems    int
	maxBytes    int64
	evictTarget float64

	mu        sync.Mutex
	items     map[string]*list.Element
	lru       *list.List // front = most recently used
	bytes     int64
	hits      int64
	misses    int64
	evictions int64

	stopCh  chan struct{}
	stopped sync.Once
}

// MemoryConfig holds fast-tier configuration.
type MemoryConfig struct {
	MaxItems      int
	MaxBytes      int64
	SweepInterval time.Duration
}

// NewMemory creates the fast tier and starts its expiry sweeper.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 1000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	m := &Memory{
		maxItems:    cfg.MaxItems,
		maxBytes:    cfg.MaxBytes,
		evictTarget: 0.8,
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		stopCh:      make(chan struct{}),
	}

	go m.sweep(cfg.SweepInterval)

	return m
}

// Get returns the entry if present and unexpired, refreshing its recency.
func (m *Memory) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, ErrNotFound
	}

	entry := element.Value.(*Entry)
	if entry.Expired(time.Now()) {
		m.remove(key)
		m.misses++
		return nil, ErrNotFound
	}

	entry.AccessCount++
	m.lru.MoveToFront(element)
	m.hits++
	return entry, nil
}

// Set stores the entry and evicts if the tier exceeds its budgets.
func (m *Memory) Set(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.items[entry.Key]; ok {
		old := element.Value.(*Entry)
		m.bytes += int64(entry.Size()) - int64(old.Size())
		element.Value = entry
		m.lru.MoveToFront(element)
	} else {
		m.items[entry.Key] = m.lru.PushFront(entry)
		m.bytes += int64(entry.Size())
	}

	if m.lru.Len() > m.maxItems || m.bytes > m.maxBytes {
		m.evict()
	}

	return nil
}

// Delete removes the key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(key)
	return nil
}

// Clear removes all entries.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.lru.Init()
	m.bytes = 0
	return nil
}

// Close stops the expiry sweeper.
func (m *Memory) Close() error {
	m.stopped.Do(func() { close(m.stopCh) })
	return nil
}

// HasCapacity reports whether a value of the given size fits without
// forcing an eviction. Used by the engine for the auto tier hint.
func (m *Memory) HasCapacity(size int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len() < m.maxItems && m.bytes+int64(size) <= m.maxBytes
}

// Stats returns a snapshot of the fast-tier counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MemoryStats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Items:     m.lru.Len(),
		Bytes:     m.bytes,
	}
}

// remove deletes an entry (caller must hold lock)
func (m *Memory) remove(key string) {
	if element, ok := m.items[key]; ok {
		m.bytes -= int64(element.Value.(*Entry).Size())
		m.lru.Remove(element)
		delete(m.items, key)
	}
}

// evict removes least-recently-used entries until both budgets are back
// under evictTarget (caller must hold lock).
func (m *Memory) evict() {
	targetItems := int(float64(m.maxItems) * m.evictTarget)
	targetBytes := int64(float64(m.maxBytes) * m.evictTarget)

	for m.lru.Len() > targetItems || m.bytes > targetBytes {
		back := m.lru.Back()
		if back == nil {
			return
		}
		m.remove(back.Value.(*Entry).Key)
		m.evictions++
	}
}

// sweep periodically drops expired entries so they stop occupying budget
// even when never read again.
func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, element := range m.items {
		if element.Value.(*Entry).Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		m.remove(key)
	}
}
