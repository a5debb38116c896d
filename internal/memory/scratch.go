// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"strings"
	"sync"
)

// DefaultTempPrefixes name scratch entries an emergency cleanup may drop.
var DefaultTempPrefixes = []string{"temp_", "cache_", "tmp_"}

// Scratch is a process-wide registry for disposable values such as the
// last extracted page. Entries with a temp prefix are purged under
// emergency pressure.
type Scratch struct {
	mu    sync.RWMutex
	items map[string]any
}

// NewScratch creates an empty registry.
func NewScratch() *Scratch {
	return &Scratch{items: make(map[string]any)}
}

// Set stores v under key.
func (s *Scratch) Set(key string, v any) {
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// Get returns the value under key.
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Delete removes key.
func (s *Scratch) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *Scratch) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// PurgePrefixes deletes every key starting with one of prefixes.
func (s *Scratch) PurgePrefixes(prefixes ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.items {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				delete(s.items, key)
				removed++
				break
			}
		}
	}
	return removed
}
