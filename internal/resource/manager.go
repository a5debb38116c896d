// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package resource is the single registry for timers, event listeners,
// observers and cleanup callbacks, so teardown releases everything at once.
//
// After Cleanup the manager is destroyed: registrations are refused with
// a warning and timer calls return InvalidTimer. Reset makes it usable
// again.
package resource

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/events"
	"github.com/jeranaias/sidernav/internal/logging"
)

// DefaultLongRunningThreshold is the age past which CheckLongRunningResources
// reports a timer or listener.
const DefaultLongRunningThreshold = 5 * time.Minute

// =============================================================================
// TYPES
// =============================================================================

// TimerID identifies a registered timer.
type TimerID int64

// InvalidTimer is returned when a timer cannot be registered.
const InvalidTimer TimerID = -1

// CleanupID identifies a registered cleanup callback.
type CleanupID int64

// TimerKind distinguishes one-shot from repeating timers.
type TimerKind string

const (
	KindTimeout  TimerKind = "timeout"
	KindInterval TimerKind = "interval"
)

// TimerInfo describes a live timer.
type TimerInfo struct {
	ID       TimerID       `json:"id"`
	Kind     TimerKind     `json:"kind"`
	Interval time.Duration `json:"interval"`
	Created  time.Time     `json:"created"`
}

// ListenerInfo describes a live event-listener registration.
type ListenerInfo struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created time.Time `json:"created"`
}

// Disconnecter is implemented by observers that hold external resources.
type Disconnecter interface {
	Disconnect()
}

// Stats counts live registrations.
type Stats struct {
	Timers    int  `json:"timers"`
	Listeners int  `json:"listeners"`
	Observers int  `json:"observers"`
	Cleanups  int  `json:"cleanups"`
	Destroyed bool `json:"destroyed"`
}

// LongRunning is the result of CheckLongRunningResources.
type LongRunning struct {
	Timers    []TimerInfo    `json:"timers"`
	Listeners []ListenerInfo `json:"listeners"`
}

type timerEntry struct {
	info  TimerInfo
	timer *time.Timer   // timeouts
	stop  chan struct{} // intervals
}

type listenerEntry struct {
	info   ListenerInfo
	target events.Target
	remove func()
}

type cleanupEntry struct {
	id CleanupID
	fn func()
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns every registered resource.
type Manager struct {
	mu        sync.Mutex
	timers    map[TimerID]*timerEntry
	listeners map[string]*listenerEntry
	observers []any
	cleanups  []cleanupEntry

	nextTimer   TimerID
	nextCleanup CleanupID
	destroyed   bool

	now func() time.Time
	log logrus.FieldLogger
}

// NewManager creates an empty, usable manager.
func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		timers:    make(map[TimerID]*timerEntry),
		listeners: make(map[string]*listenerEntry),
		now:       time.Now,
		log:       logging.OrDiscard(log),
	}
}

// SetTimeout runs fn once after delay. The registration is dropped when
// the timer fires.
func (m *Manager) SetTimeout(fn func(), delay time.Duration) TimerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		m.log.Warn("RESOURCE_SET_TIMEOUT_AFTER_CLEANUP")
		return InvalidTimer
	}

	m.nextTimer++
	id := m.nextTimer
	entry := &timerEntry{info: TimerInfo{ID: id, Kind: KindTimeout, Interval: delay, Created: m.now()}}
	entry.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current, ok := m.timers[id]
		if ok && current == entry {
			delete(m.timers, id)
		}
		m.mu.Unlock()

		// A cleared or torn-down timer never runs.
		if ok && current == entry {
			m.run("timeout", fn)
		}
	})
	m.timers[id] = entry
	return id
}

// SetInterval runs fn every interval until cleared.
func (m *Manager) SetInterval(fn func(), interval time.Duration) TimerID {
	if interval <= 0 {
		m.log.WithField("interval", interval).Warn("RESOURCE_INVALID_INTERVAL")
		return InvalidTimer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		m.log.Warn("RESOURCE_SET_INTERVAL_AFTER_CLEANUP")
		return InvalidTimer
	}

	m.nextTimer++
	id := m.nextTimer
	entry := &timerEntry{
		info: TimerInfo{ID: id, Kind: KindInterval, Interval: interval, Created: m.now()},
		stop: make(chan struct{}),
	}
	m.timers[id] = entry

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-entry.stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				live := m.timers[id] == entry
				m.mu.Unlock()
				if !live {
					return
				}
				m.run("interval", fn)
			}
		}
	}()
	return id
}

// ClearTimer stops and forgets a timer of either kind.
func (m *Manager) ClearTimer(id TimerID) bool {
	m.mu.Lock()
	entry, ok := m.timers[id]
	delete(m.timers, id)
	m.mu.Unlock()

	if ok {
		entry.halt()
	}
	return ok
}

func (e *timerEntry) halt() {
	switch e.info.Kind {
	case KindTimeout:
		e.timer.Stop()
	case KindInterval:
		close(e.stop)
	}
}

// AddEventListener attaches fn to target for eventType and returns an id
// for RemoveEventListener. It returns "" once the manager is destroyed.
func (m *Manager) AddEventListener(target events.Target, eventType string, fn events.Listener) string {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		m.log.WithField("type", eventType).Warn("RESOURCE_ADD_LISTENER_AFTER_CLEANUP")
		return ""
	}
	m.mu.Unlock()

	remove := target.AddEventListener(eventType, fn)
	id := fmt.Sprintf("%d_%s", m.now().UnixMilli(), uuid.NewString()[:8])

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		remove()
		return ""
	}
	m.listeners[id] = &listenerEntry{
		info:   ListenerInfo{ID: id, Type: eventType, Created: m.now()},
		target: target,
		remove: remove,
	}
	return id
}

// RemoveEventListener detaches the listener registered under id.
func (m *Manager) RemoveEventListener(id string) bool {
	m.mu.Lock()
	entry, ok := m.listeners[id]
	delete(m.listeners, id)
	m.mu.Unlock()

	if ok {
		entry.remove()
	}
	return ok
}

// AddObserver tracks obs until RemoveObserver or Cleanup. Observers must
// be comparable (usually a pointer).
func (m *Manager) AddObserver(obs any) bool {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		m.log.WithField("type", fmt.Sprintf("%T", obs)).Warn("RESOURCE_OBSERVER_NOT_COMPARABLE")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		m.log.Warn("RESOURCE_ADD_OBSERVER_AFTER_CLEANUP")
		return false
	}
	m.observers = append(m.observers, obs)
	return true
}

// RemoveObserver disconnects obs if it is a Disconnecter and forgets it.
func (m *Manager) RemoveObserver(obs any) bool {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return false
	}

	m.mu.Lock()
	found := false
	for i, o := range m.observers {
		if o == obs {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if found {
		m.disconnect(obs)
	}
	return found
}

// AddCleanup registers fn to run on Cleanup. It returns 0 once the
// manager is destroyed.
func (m *Manager) AddCleanup(fn func()) CleanupID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		m.log.Warn("RESOURCE_ADD_CLEANUP_AFTER_CLEANUP")
		return 0
	}
	m.nextCleanup++
	m.cleanups = append(m.cleanups, cleanupEntry{id: m.nextCleanup, fn: fn})
	return m.nextCleanup
}

// RemoveCleanup unregisters a cleanup callback without running it.
func (m *Manager) RemoveCleanup(id CleanupID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.cleanups {
		if c.id == id {
			m.cleanups = append(m.cleanups[:i], m.cleanups[i+1:]...)
			return true
		}
	}
	return false
}

// Cleanup stops every timer, detaches every listener, disconnects every
// observer and runs every cleanup callback once, then marks the manager
// destroyed. Later calls do nothing.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	timers, listeners, observers, cleanups := m.detachLocked()
	m.mu.Unlock()

	for _, t := range timers {
		t.halt()
	}
	for _, l := range listeners {
		l.remove()
	}
	for _, o := range observers {
		m.disconnect(o)
	}
	for _, c := range cleanups {
		m.run("cleanup", c.fn)
	}

	m.log.WithFields(logrus.Fields{
		"timers":    len(timers),
		"listeners": len(listeners),
		"observers": len(observers),
		"cleanups":  len(cleanups),
	}).Info("RESOURCE_CLEANUP_COMPLETE")
}

// Reset clears the destroyed flag and empties every registry. Live timers
// and listeners are released; cleanup callbacks are dropped unrun.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.destroyed = false
	timers, listeners, _, _ := m.detachLocked()
	m.mu.Unlock()

	for _, t := range timers {
		t.halt()
	}
	for _, l := range listeners {
		l.remove()
	}
}

// Destroyed reports whether Cleanup has run since the last Reset.
func (m *Manager) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Stats counts live registrations.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Timers:    len(m.timers),
		Listeners: len(m.listeners),
		Observers: len(m.observers),
		Cleanups:  len(m.cleanups),
		Destroyed: m.destroyed,
	}
}

// CheckLongRunningResources lists timers and listeners older than
// threshold (DefaultLongRunningThreshold when <= 0), oldest first. It
// changes nothing.
func (m *Manager) CheckLongRunningResources(threshold time.Duration) LongRunning {
	if threshold <= 0 {
		threshold = DefaultLongRunningThreshold
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out LongRunning
	for _, t := range m.timers {
		if now.Sub(t.info.Created) > threshold {
			out.Timers = append(out.Timers, t.info)
		}
	}
	for _, l := range m.listeners {
		if now.Sub(l.info.Created) > threshold {
			out.Listeners = append(out.Listeners, l.info)
		}
	}
	sort.Slice(out.Timers, func(i, j int) bool { return out.Timers[i].Created.Before(out.Timers[j].Created) })
	sort.Slice(out.Listeners, func(i, j int) bool { return out.Listeners[i].Created.Before(out.Listeners[j].Created) })
	return out
}

// detachLocked empties the registries and returns what they held (must
// hold lock).
func (m *Manager) detachLocked() ([]*timerEntry, []*listenerEntry, []any, []cleanupEntry) {
	timers := make([]*timerEntry, 0, len(m.timers))
	for _, t := range m.timers {
		timers = append(timers, t)
	}
	listeners := make([]*listenerEntry, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	observers := m.observers
	cleanups := m.cleanups

	m.timers = make(map[TimerID]*timerEntry)
	m.listeners = make(map[string]*listenerEntry)
	m.observers = nil
	m.cleanups = nil
	return timers, listeners, observers, cleanups
}

func (m *Manager) disconnect(obs any) {
	if d, ok := obs.(Disconnecter); ok {
		m.run("disconnect", d.Disconnect)
	}
}

// run calls fn, logging instead of propagating a panic.
func (m *Manager) run(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{"what": what, "panic": r}).Error("RESOURCE_CALLBACK_PANIC")
		}
	}()
	fn()
}
