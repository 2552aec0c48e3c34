package cache

import (
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryItem is a first-tier copy of an entry
type memoryItem struct {
	entry    *entry
	storedAt time.Time
}

// memoryTier is the bounded in-process first tier. Eviction is true
// least-recently-used: reads refresh recency.
type memoryTier struct {
	items     *lru.Cache[string, *memoryItem]
	maxAge    time.Duration
	evictions atomic.Uint64
}

func newMemoryTier(capacity int, maxAge time.Duration) (*memoryTier, error) {
	items, err := lru.New[string, *memoryItem](capacity)
	if err != nil {
		return nil, err
	}
	return &memoryTier{items: items, maxAge: maxAge}, nil
}

// Get returns the live entry for key. Expired copies are dropped.
func (m *memoryTier) Get(key string, now time.Time) (*entry, bool) {
	item, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	if m.stale(item, now) {
		m.items.Remove(key)
		return nil, false
	}
	atomic.AddInt64(&item.entry.Hits, 1)
	return item.entry, true
}

// Set stores a copy of e
func (m *memoryTier) Set(key string, e *entry, now time.Time) {
	if m.items.Add(key, &memoryItem{entry: e, storedAt: now}) {
		m.evictions.Add(1)
	}
}

// Delete removes key and reports whether it was present
func (m *memoryTier) Delete(key string) bool {
	return m.items.Remove(key)
}

// DeletePrefix removes every key with the given prefix. O(n) over the tier.
func (m *memoryTier) DeletePrefix(prefix string) []string {
	var removed []string
	for _, key := range m.items.Keys() {
		if strings.HasPrefix(key, prefix) && m.items.Remove(key) {
			removed = append(removed, key)
		}
	}
	return removed
}

// Cleanup drops expired copies without touching recency
func (m *memoryTier) Cleanup(now time.Time) int {
	n := 0
	for _, key := range m.items.Keys() {
		item, ok := m.items.Peek(key)
		if ok && m.stale(item, now) {
			m.items.Remove(key)
			n++
		}
	}
	return n
}

func (m *memoryTier) Clear() {
	m.items.Purge()
}

func (m *memoryTier) Len() int {
	return m.items.Len()
}

func (m *memoryTier) Evictions() uint64 {
	return m.evictions.Load()
}

func (m *memoryTier) stale(item *memoryItem, now time.Time) bool {
	if item.entry.expired(now) {
		return true
	}
	return m.maxAge > 0 && now.Sub(item.storedAt) >= m.maxAge
}
