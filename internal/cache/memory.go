package cache

import (
	"context"
	"sync"
	"time"
)

// Stats reports cache effectiveness.
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Memory is an in-process TTL cache bounded by item count. When full, the
// entries closest to expiry are evicted first.
type Memory struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	ttl      time.Duration
	maxItems int
	stats    Stats
	now      func() time.Time
}

type memoryItem struct {
	value     any
	expiresAt time.Time
}

// NewMemory creates a cache holding at most maxItems entries for ttl each.
func NewMemory(ttl time.Duration, maxItems int) *Memory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxItems <= 0 {
		maxItems = 512
	}
	return &Memory{
		items:    make(map[string]memoryItem),
		ttl:      ttl,
		maxItems: maxItems,
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	if m.now().After(item.expiresAt) {
		delete(m.items, key)
		m.stats.Misses++
		m.stats.Evictions++
		return nil, false
	}
	m.stats.Hits++
	return item.value, true
}

func (m *Memory) Set(ctx context.Context, key string, value any) {
	m.SetTTL(ctx, key, value, m.ttl)
}

// SetTTL stores value under key with a per-entry ttl.
func (m *Memory) SetTTL(_ context.Context, key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryItem{value: value, expiresAt: m.now().Add(ttl)}
	if len(m.items) > m.maxItems {
		m.evictExpired()
	}
	for len(m.items) > m.maxItems {
		m.evictSoonest()
	}
}

// Delete drops key if present.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Purge removes expired entries and returns how many were dropped.
func (m *Memory) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.items)
	m.evictExpired()
	return before - len(m.items)
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Size = len(m.items)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (m *Memory) evictExpired() {
	now := m.now()
	for k, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, k)
			m.stats.Evictions++
		}
	}
}

func (m *Memory) evictSoonest() {
	var (
		key     string
		soonest time.Time
		found   bool
	)
	for k, item := range m.items {
		if !found || item.expiresAt.Before(soonest) {
			key, soonest, found = k, item.expiresAt, true
		}
	}
	if found {
		delete(m.items, key)
		m.stats.Evictions++
	}
}
