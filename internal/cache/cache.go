// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides a bounded, expiring key-value cache with
// approximate size accounting.
//
// Entries are bounded by count and by estimated bytes. When the count
// limit is reached the least-used entry goes first; when the byte limit
// would be exceeded, large rarely-read entries go first. Expired entries
// are never returned. They are deleted on access and by a periodic sweep.
package cache

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultMaxEntries bounds the number of entries.
	DefaultMaxEntries = 1000

	// DefaultMaxSizeMB bounds the estimated size of all entries.
	DefaultMaxSizeMB = 50

	// DefaultTTL applies when Set is called without an explicit TTL.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = 60 * time.Second
)

// =============================================================================
// TYPES
// =============================================================================

// Entry is one cached value with its bookkeeping.
type Entry[V any] struct {
	Key          string
	Value        V
	Timestamp    time.Time
	Expiry       time.Time
	Size         int64
	AccessCount  int
	LastAccessed time.Time
}

// Config bounds a Manager.
type Config struct {
	MaxEntries    int
	MaxSizeMB     int
	DefaultTTL    time.Duration
	SweepInterval time.Duration // <= 0 disables the background sweep
	Logger        logrus.FieldLogger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    DefaultMaxEntries,
		MaxSizeMB:     DefaultMaxSizeMB,
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int       `json:"entries"`
	TotalSize int64     `json:"total_size"`
	MaxSize   int64     `json:"max_size"`
	Hits      int       `json:"hits"`
	Misses    int       `json:"misses"`
	HitRate   float64   `json:"hit_rate"`
	MissRate  float64   `json:"miss_rate"`
	Evictions int       `json:"evictions"`
	Oldest    time.Time `json:"oldest"`
	Newest    time.Time `json:"newest"`
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager is a concurrency-safe cache of V values.
type Manager[V any] struct {
	mu          sync.RWMutex
	entries     map[string]*Entry[V]
	currentSize int64

	maxEntries int
	maxBytes   int64
	ttl        time.Duration
	now        func() time.Time
	log        logrus.FieldLogger

	hits      int
	misses    int
	evictions int

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and, if cfg.SweepInterval > 0, starts the sweep
// goroutine. Call Close to stop it.
func New[V any](cfg Config) *Manager[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager[V]{
		entries:    make(map[string]*Entry[V]),
		maxEntries: cfg.MaxEntries,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		ttl:        cfg.DefaultTTL,
		now:        cfg.Now,
		log:        logging.OrDiscard(cfg.Logger),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop(cfg.SweepInterval)
	} else {
		close(m.done)
	}
	return m
}

// Set stores value under key with the default TTL. It reports false when
// the value alone is larger than the whole cache.
func (m *Manager[V]) Set(key string, value V) bool {
	return m.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. ttl <= 0 selects the default TTL.
func (m *Manager[V]) SetWithTTL(key string, value V, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.ttl
	}
	size := EstimateSize(value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.maxBytes {
		m.log.WithFields(logrus.Fields{"key": key, "size": size}).Warn("CACHE_ENTRY_TOO_LARGE")
		return false
	}

	// A replaced entry frees its own space first.
	m.removeEntryLocked(key)
	m.ensureSpaceLocked(size)

	now := m.now()
	m.entries[key] = &Entry[V]{
		Key:          key,
		Value:        value,
		Timestamp:    now,
		Expiry:       now.Add(ttl),
		Size:         size,
		LastAccessed: now,
	}
	m.currentSize += size
	return true
}

// Get returns the live value for key. Missing and expired keys count as
// misses; an expired entry is deleted on the spot.
func (m *Manager[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	entry, ok := m.entries[key]
	if !ok {
		m.misses++
		return zero, false
	}

	now := m.now()
	if now.After(entry.Expiry) {
		m.removeEntryLocked(key)
		m.misses++
		return zero, false
	}

	entry.AccessCount++
	entry.LastAccessed = now
	m.hits++
	return entry.Value, true
}

// Has reports whether key holds a live value. It does not touch hit/miss
// counters or access stats, but it deletes an expired entry.
func (m *Manager[V]) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return false
	}
	if m.now().After(entry.Expiry) {
		m.removeEntryLocked(key)
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (m *Manager[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeEntryLocked(key)
}

// DeletePrefix removes every key starting with prefix.
func (m *Manager[V]) DeletePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeEntryLocked(key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry. Counters are kept.
func (m *Manager[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*Entry[V])
	m.currentSize = 0
}

// Len returns the number of stored entries, expired or not.
func (m *Manager[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns counts, size, hit/miss rates and entry age bounds.
func (m *Manager[V]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Entries:   len(m.entries),
		TotalSize: m.currentSize,
		MaxSize:   m.maxBytes,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total)
		stats.MissRate = float64(m.misses) / float64(total)
	}
	for _, e := range m.entries {
		if stats.Oldest.IsZero() || e.Timestamp.Before(stats.Oldest) {
			stats.Oldest = e.Timestamp
		}
		if e.Timestamp.After(stats.Newest) {
			stats.Newest = e.Timestamp
		}
	}
	return stats
}

// Sweep deletes every expired entry and returns how many were removed.
func (m *Manager[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := lo.FilterMap(lo.Values(m.entries), func(e *Entry[V], _ int) (string, bool) {
		return e.Key, now.After(e.Expiry)
	})
	for _, key := range expired {
		m.removeEntryLocked(key)
	}
	if len(expired) > 0 {
		m.log.WithFields(logrus.Fields{
			"expired":   len(expired),
			"remaining": len(m.entries),
		}).Debug("CACHE_SWEEP")
	}
	return len(expired)
}

// Close stops the sweep goroutine. The cache stays usable.
func (m *Manager[V]) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager[V]) sweepLoop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// =============================================================================
// EVICTION
// =============================================================================

// ensureSpaceLocked makes room for an entry of size bytes (must hold lock).
func (m *Manager[V]) ensureSpaceLocked(size int64) {
	if len(m.entries) >= m.maxEntries {
		leastUsed := lo.MinBy(lo.Values(m.entries), func(a, b *Entry[V]) bool {
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			return a.LastAccessed.Before(b.LastAccessed)
		})
		if leastUsed != nil {
			m.removeEntryLocked(leastUsed.Key)
			m.evictions++
		}
	}

	if m.currentSize+size <= m.maxBytes {
		return
	}

	// Large, rarely-read entries first.
	candidates := lo.Values(m.entries)
	slices.SortFunc(candidates, func(a, b *Entry[V]) int {
		sa := float64(a.Size) / float64(a.AccessCount+1)
		sb := float64(b.Size) / float64(b.AccessCount+1)
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		default:
			return 0
		}
	})

	freed := 0
	for _, e := range candidates {
		if m.currentSize+size <= m.maxBytes {
			break
		}
		m.removeEntryLocked(e.Key)
		m.evictions++
		freed++
	}
	m.log.WithFields(logrus.Fields{"evicted": freed, "size": m.currentSize}).Debug("CACHE_SIZE_EVICTION")
}

// removeEntryLocked removes an entry (must hold lock).
func (m *Manager[V]) removeEntryLocked(key string) bool {
	entry, ok := m.entries[key]
	if !ok {
		return false
	}
	m.currentSize -= entry.Size
	delete(m.entries, key)
	return true
}
