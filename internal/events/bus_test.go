// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DispatchToTypeAndWildcard(t *testing.T) {
	b := NewBus(nil)

	var typed, all []string
	b.AddEventListener(TypeMemoryPressure, func(ev Event) { typed = append(typed, ev.Type) })
	b.AddEventListener(TypeAll, func(ev Event) { all = append(all, ev.Type) })

	assert.Equal(t, 2, b.Dispatch(Event{Type: TypeMemoryPressure}))
	assert.Equal(t, 1, b.Dispatch(Event{Type: TypeResponseEnd}))

	assert.Equal(t, []string{TypeMemoryPressure}, typed)
	assert.Equal(t, []string{TypeMemoryPressure, TypeResponseEnd}, all)
}

func TestBus_RemoveListener(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	remove := b.AddEventListener("x", func(Event) { calls++ })

	b.Dispatch(Event{Type: "x"})
	remove()
	remove()
	b.Dispatch(Event{Type: "x"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount(""))
}

func TestBus_PanickingListenerIsContained(t *testing.T) {
	b := NewBus(nil)
	reached := false
	b.AddEventListener("x", func(Event) { panic("boom") })
	b.AddEventListener(TypeAll, func(Event) { reached = true })

	assert.NotPanics(t, func() { b.Dispatch(Event{Type: "x"}) })
	assert.True(t, reached)
}

func TestBus_DispatchStampsTime(t *testing.T) {
	b := NewBus(nil)
	var got Event
	b.AddEventListener("x", func(ev Event) { got = ev })

	b.Dispatch(Event{Type: "x", Data: 1})
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, 1, got.Data)
}

func TestBus_Subscribe(t *testing.T) {
	b := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, 4, TypeResponseChunk)
	b.Dispatch(Event{Type: TypeResponseChunk, Data: "hi"})
	b.Dispatch(Event{Type: TypeResponseEnd})

	select {
	case ev := <-ch:
		assert.Equal(t, "hi", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	cancel()
	require.Eventually(t, func() bool { return b.ListenerCount("") == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-ch
	assert.False(t, open)

	// Dispatch after unsubscribe must not panic on the closed channel.
	assert.NotPanics(t, func() { b.Dispatch(Event{Type: TypeResponseChunk}) })
}

func TestBus_SubscribeDropsWhenFull(t *testing.T) {
	b := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, 1)
	b.Dispatch(Event{Type: "a"})
	b.Dispatch(Event{Type: "b"})

	ev := <-ch
	assert.Equal(t, "a", ev.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered event %q", extra.Type)
	default:
	}
}
