// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package resource

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sidernav/internal/events"
)

type fakeObserver struct {
	disconnects atomic.Int32
}

func (f *fakeObserver) Disconnect() { f.disconnects.Add(1) }

// =============================================================================
// TIMERS
// =============================================================================

func TestManager_SetTimeoutFiresOnceAndDeregisters(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Int32

	id := m.SetTimeout(func() { fired.Add(1) }, 5*time.Millisecond)
	require.NotEqual(t, InvalidTimer, id)
	assert.Equal(t, 1, m.Stats().Timers)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats().Timers == 0 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
	assert.False(t, m.ClearTimer(id))
}

func TestManager_ClearTimeoutBeforeFire(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Bool

	id := m.SetTimeout(func() { fired.Store(true) }, 20*time.Millisecond)
	assert.True(t, m.ClearTimer(id))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestManager_IntervalRepeatsUntilCleared(t *testing.T) {
	m := NewManager(nil)
	var ticks atomic.Int32

	id := m.SetInterval(func() { ticks.Add(1) }, 2*time.Millisecond)
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	assert.True(t, m.ClearTimer(id))
	time.Sleep(10 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestManager_InvalidInterval(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, InvalidTimer, m.SetInterval(func() {}, 0))
}

func TestManager_PanickingTimerIsContained(t *testing.T) {
	m := NewManager(nil)
	var after atomic.Bool

	m.SetTimeout(func() { panic("boom") }, time.Millisecond)
	m.SetTimeout(func() { after.Store(true) }, 5*time.Millisecond)

	assert.Eventually(t, after.Load, time.Second, time.Millisecond)
}

// =============================================================================
// LISTENERS AND OBSERVERS
// =============================================================================

func TestManager_EventListeners(t *testing.T) {
	m := NewManager(nil)
	bus := events.NewBus(nil)
	var got atomic.Int32

	id := m.AddEventListener(bus, "x", func(events.Event) { got.Add(1) })
	require.NotEmpty(t, id)
	assert.Equal(t, 1, bus.ListenerCount("x"))

	bus.Dispatch(events.Event{Type: "x"})
	assert.True(t, m.RemoveEventListener(id))
	assert.False(t, m.RemoveEventListener(id))
	bus.Dispatch(events.Event{Type: "x"})

	assert.EqualValues(t, 1, got.Load())
	assert.Equal(t, 0, bus.ListenerCount("x"))
}

func TestManager_Observers(t *testing.T) {
	m := NewManager(nil)
	obs := &fakeObserver{}
	plain := &struct{ n int }{}

	assert.True(t, m.AddObserver(obs))
	assert.True(t, m.AddObserver(plain))
	assert.False(t, m.AddObserver(func() {}), "funcs cannot be identified for removal")

	assert.True(t, m.RemoveObserver(obs))
	assert.EqualValues(t, 1, obs.disconnects.Load())

	// Observers without Disconnect are simply dropped.
	assert.True(t, m.RemoveObserver(plain))
	assert.False(t, m.RemoveObserver(plain))
}

// =============================================================================
// CLEANUP / TERMINAL STATE
// =============================================================================

func TestManager_CleanupReleasesEverything(t *testing.T) {
	m := NewManager(nil)
	bus := events.NewBus(nil)
	obs := &fakeObserver{}
	var cleaned, timerFired atomic.Int32

	m.SetTimeout(func() { timerFired.Add(1) }, 20*time.Millisecond)
	m.SetInterval(func() { timerFired.Add(1) }, 20*time.Millisecond)
	m.AddEventListener(bus, "x", func(events.Event) {})
	m.AddObserver(obs)
	m.AddCleanup(func() { cleaned.Add(1) })
	removed := m.AddCleanup(func() { cleaned.Add(100) })
	assert.True(t, m.RemoveCleanup(removed))

	m.Cleanup()

	assert.EqualValues(t, 1, cleaned.Load())
	assert.EqualValues(t, 1, obs.disconnects.Load())
	assert.Equal(t, 0, bus.ListenerCount(""))
	assert.Equal(t, Stats{Destroyed: true}, m.Stats())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, timerFired.Load())
}

func TestManager_CleanupIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	var cleaned atomic.Int32
	m.AddCleanup(func() { cleaned.Add(1) })

	m.Cleanup()
	m.Cleanup()

	assert.EqualValues(t, 1, cleaned.Load())
}

func TestManager_DestroyedRefusesRegistration(t *testing.T) {
	m := NewManager(nil)
	m.Cleanup()
	require.True(t, m.Destroyed())

	var fired atomic.Bool
	assert.Equal(t, InvalidTimer, m.SetTimeout(func() { fired.Store(true) }, time.Millisecond))
	assert.Equal(t, InvalidTimer, m.SetInterval(func() { fired.Store(true) }, time.Millisecond))
	assert.Empty(t, m.AddEventListener(events.NewBus(nil), "x", func(events.Event) {}))
	assert.False(t, m.AddObserver(&fakeObserver{}))
	assert.Zero(t, m.AddCleanup(func() {}))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestManager_ResetMakesUsable(t *testing.T) {
	m := NewManager(nil)
	var cleaned atomic.Int32
	m.AddCleanup(func() { cleaned.Add(1) })
	m.Cleanup()

	m.Reset()
	assert.False(t, m.Destroyed())

	var fired atomic.Bool
	id := m.SetTimeout(func() { fired.Store(true) }, time.Millisecond)
	assert.NotEqual(t, InvalidTimer, id)
	assert.Eventually(t, fired.Load, time.Second, time.Millisecond)

	m.AddCleanup(func() { cleaned.Add(1) })
	m.Cleanup()
	assert.EqualValues(t, 2, cleaned.Load())
}

func TestManager_ResetDropsPendingRegistrations(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Bool
	m.SetTimeout(func() { fired.Store(true) }, 10*time.Millisecond)

	m.Reset()
	time.Sleep(30 * time.Millisecond)

	assert.False(t, fired.Load())
	assert.Equal(t, Stats{}, m.Stats())
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func TestManager_CheckLongRunningResources(t *testing.T) {
	m := NewManager(nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	bus := events.NewBus(nil)
	old := m.SetInterval(func() {}, time.Hour)
	m.AddEventListener(bus, "old", func(events.Event) {})

	now = base.Add(10 * time.Minute)
	m.SetInterval(func() {}, time.Hour)

	now = base.Add(12 * time.Minute)
	report := m.CheckLongRunningResources(0)

	require.Len(t, report.Timers, 1)
	assert.Equal(t, old, report.Timers[0].ID)
	require.Len(t, report.Listeners, 1)
	assert.Equal(t, "old", report.Listeners[0].Type)

	// The query leaves everything registered.
	assert.Equal(t, 2, m.Stats().Timers)
	assert.Equal(t, 1, m.Stats().Listeners)

	m.Cleanup()
}
