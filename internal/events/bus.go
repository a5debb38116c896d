// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events is the in-process notification channel between sidernav
// components. The memory monitor publishes pressure levels here and the
// assistant publishes response lifecycle events; the bridge server relays
// both to connected clients.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
)

// Well-known event types.
const (
	TypeMemoryPressure = "memory-pressure"
	TypeResponseStart  = "response-start"
	TypeResponseChunk  = "response-chunk"
	TypeThinkingChunk  = "thinking-chunk"
	TypeResponseEnd    = "response-end"
	TypeResponseError  = "response-error"
	TypeSidebarToggle  = "toggle-sidebar"

	// TypeAll subscribes to every event.
	TypeAll = "*"
)

// Event is one notification.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives events.
type Listener func(Event)

// Target is anything listeners can be attached to. The returned func
// detaches the listener; calling it twice is harmless.
type Target interface {
	AddEventListener(eventType string, fn Listener) (remove func())
}

// Bus fans events out to listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]Listener
	nextID    uint64
	log       logrus.FieldLogger
}

// NewBus creates a bus with no listeners.
func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{
		listeners: make(map[string]map[uint64]Listener),
		log:       logging.OrDiscard(log),
	}
}

// AddEventListener implements Target.
func (b *Bus) AddEventListener(eventType string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.listeners[eventType] == nil {
		b.listeners[eventType] = make(map[uint64]Listener)
	}
	b.listeners[eventType][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[eventType], id)
			if len(b.listeners[eventType]) == 0 {
				delete(b.listeners, eventType)
			}
			b.mu.Unlock()
		})
	}
}

// Dispatch delivers ev to listeners of its type and to TypeAll listeners,
// synchronously and outside the bus lock. A panicking listener is logged
// and does not stop delivery to the rest. It returns the number of
// listeners called.
func (b *Bus) Dispatch(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[ev.Type])+len(b.listeners[TypeAll]))
	for _, fn := range b.listeners[ev.Type] {
		targets = append(targets, fn)
	}
	if ev.Type != TypeAll {
		for _, fn := range b.listeners[TypeAll] {
			targets = append(targets, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
	return len(targets)
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"type": ev.Type, "panic": r}).Error("EVENT_LISTENER_PANIC")
		}
	}()
	fn(ev)
}

// ListenerCount returns the number of listeners for eventType, or for all
// types when eventType is empty.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if eventType != "" {
		return len(b.listeners[eventType])
	}
	total := 0
	for _, ls := range b.listeners {
		total += len(ls)
	}
	return total
}

// Subscribe returns a channel receiving events of the given types (all
// types when none are given) until ctx is done. Events are dropped when
// the subscriber falls more than buffer events behind.
func (b *Bus) Subscribe(ctx context.Context, buffer int, types ...string) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	if len(types) == 0 {
		types = []string{TypeAll}
	}

	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	send := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.log.WithField("type", ev.Type).Debug("EVENT_DROPPED")
		}
	}

	removers := make([]func(), 0, len(types))
	for _, t := range types {
		removers = append(removers, b.AddEventListener(t, send))
	}

	go func() {
		<-ctx.Done()
		for _, remove := range removers {
			remove()
		}
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}
