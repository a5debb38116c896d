// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sidernav/internal/config"
	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/memory"
	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/storage"
)

func newTestApp(t *testing.T, cfg *config.Config, backend storage.Backend, sampler memory.Sampler) *App {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	if backend == nil {
		backend = storage.NewMemoryBackend(0)
	}
	a, err := New(context.Background(), cfg, Options{Logger: logging.Discard(), Backend: backend, Sampler: sampler})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewWiresComponents(t *testing.T) {
	a := newTestApp(t, nil, nil, nil)

	assert.NotNil(t, a.Assistant)
	assert.NotNil(t, a.Client)
	assert.Equal(t, "deepseek-chat", a.Client.Model())
	assert.False(t, a.Client.IsConfigured())
	assert.Same(t, a.Requests, a.Client.Requests())

	// Memory-pressure listener plus cleanup callbacks.
	st := a.Resources.Stats()
	assert.Equal(t, 1, st.Listeners)
	assert.Equal(t, 4, st.Cleanups)
}

func TestNewUsesStoredCredentials(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend(0)
	require.NoError(t, storage.SetJSON(ctx, backend, storage.KeyAPIKey, "sk-stored"))
	require.NoError(t, storage.SetJSON(ctx, backend, storage.KeyAIModel, "deepseek-reasoner"))

	a := newTestApp(t, nil, backend, nil)
	assert.True(t, a.Client.IsConfigured())
	assert.Equal(t, "deepseek-reasoner", a.Client.Model())

	cfg := config.Default()
	cfg.Provider.Model = "custom-model"
	b := newTestApp(t, cfg, backend, nil)
	assert.Equal(t, "custom-model", b.Client.Model())
}

func TestNewLoadsSessions(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend(0)

	first := newTestApp(t, nil, backend, nil)
	_, err := first.Sessions.AddMessage(ctx, session.RoleUser, "remember me")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestApp(t, nil, backend, nil)
	cur, ok := second.Sessions.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "remember me", cur.Title)
}

func TestEmergencyPressureKeepsSessions(t *testing.T) {
	ctx := context.Background()
	emergency := memory.SamplerFunc(func() (memory.Metrics, error) {
		return memory.Metrics{UsedHeap: 900 << 20, TotalHeap: 1 << 30, HeapLimit: 1 << 30}, nil
	})
	backend := storage.NewMemoryBackend(0)
	a := newTestApp(t, nil, backend, emergency)

	for i := 0; i < 5; i++ {
		_, err := a.Sessions.CreateNewSession(ctx)
		require.NoError(t, err)
		for j := 0; j < 12; j++ {
			_, err := a.Sessions.AddMessage(ctx, session.RoleUser, fmt.Sprint(j))
			require.NoError(t, err)
		}
	}
	a.Cache.Set("ask_x", "cached")
	a.Scratch.Set("temp_page_content", "page")

	for i := 0; i < 3; i++ {
		level, _ := a.Monitor.Sample()
		require.Equal(t, memory.Emergency, level)
	}

	assert.Equal(t, 0, a.Cache.Len())
	_, ok := a.Scratch.Get("temp_page_content")
	assert.False(t, ok)

	// Neither the in-memory nor the persisted sessions are touched.
	require.Len(t, a.Sessions.Sessions(), 5)
	for _, s := range a.Sessions.Sessions() {
		assert.Len(t, s.Messages, 12)
	}
	var stored []session.ChatSession
	require.NoError(t, storage.GetJSON(ctx, backend, storage.KeyChatSessions, &stored))
	require.Len(t, stored, 5)
	for _, s := range stored {
		assert.Len(t, s.Messages, 12)
	}
}

func TestCriticalPressureSweepsExpired(t *testing.T) {
	critical := memory.SamplerFunc(func() (memory.Metrics, error) {
		return memory.Metrics{UsedHeap: 250 << 20, TotalHeap: 1 << 30, HeapLimit: 1 << 30}, nil
	})
	a := newTestApp(t, nil, nil, critical)
	a.Cache.Set("ask_x", "cached")

	level, _ := a.Monitor.Sample()
	require.Equal(t, memory.Critical, level)
	assert.Equal(t, 1, a.Cache.Len())
}

func TestCloseRunsCleanupOnce(t *testing.T) {
	a := newTestApp(t, nil, nil, nil)
	a.StartMonitor()

	require.NoError(t, a.Close())
	assert.True(t, a.Resources.Destroyed())
	assert.NoError(t, a.Close())
	assert.Equal(t, 0, a.Requests.Len())
}

func TestApplyConfig(t *testing.T) {
	a := newTestApp(t, nil, nil, nil)
	a.Cache.Set("ask_abc", "old answer")

	next := config.Default()
	next.Provider.Model = "deepseek-reasoner"
	next.Provider.APIKey = "sk-new"
	next.Log.Level = "debug"
	a.ApplyConfig(next)

	assert.Equal(t, "deepseek-reasoner", a.Client.Model())
	assert.True(t, a.Client.IsConfigured())
	assert.Equal(t, 0, a.Cache.Len())
	assert.Same(t, next, a.Config)
}
