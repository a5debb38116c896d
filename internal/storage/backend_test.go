// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// BACKEND CONFORMANCE
// =============================================================================

type backendFactory func(t *testing.T, quota int64) Backend

func backends() map[string]backendFactory {
	factories := map[string]backendFactory{
		"memory": func(t *testing.T, quota int64) Backend {
			return NewMemoryBackend(quota)
		},
		"file": func(t *testing.T, quota int64) Backend {
			b, err := NewFileBackend(t.TempDir(), quota)
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T, quota int64) Backend {
			b, err := NewSQLiteBackend(context.Background(), t.TempDir(), quota)
			require.NoError(t, err)
			return b
		},
	}
	if addr := os.Getenv("SIDERNAV_TEST_REDIS_ADDR"); addr != "" {
		factories["redis"] = func(t *testing.T, quota int64) Backend {
			b, err := NewRedisBackend(context.Background(), RedisOptions{Addr: addr, DB: 15, QuotaBytes: quota})
			require.NoError(t, err)
			keys, _ := b.Keys(context.Background())
			for _, k := range keys {
				_ = b.Delete(context.Background(), k)
			}
			return b
		}
	}
	return factories
}

func TestBackends_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 0)
			defer b.Close()

			_, err := b.Get(ctx, KeySettings)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set(ctx, KeySettings, []byte(`{"searchEngine":"bing"}`)))
			got, err := b.Get(ctx, KeySettings)
			require.NoError(t, err)
			assert.Equal(t, `{"searchEngine":"bing"}`, string(got))

			require.NoError(t, b.Set(ctx, KeySettings, []byte(`{}`)))
			got, err = b.Get(ctx, KeySettings)
			require.NoError(t, err)
			assert.Equal(t, `{}`, string(got))

			require.NoError(t, b.Delete(ctx, KeySettings))
			_, err = b.Get(ctx, KeySettings)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting twice is fine.
			assert.NoError(t, b.Delete(ctx, KeySettings))
		})
	}
}

func TestBackends_Keys(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 0)
			defer b.Close()

			require.NoError(t, b.Set(ctx, KeyChatSessions, []byte("[]")))
			require.NoError(t, b.Set(ctx, KeyAPIKey, []byte(`"k"`)))

			keys, err := b.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{KeyAPIKey, KeyChatSessions}, keys)
		})
	}
}

func TestBackends_Quota(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 10)
			defer b.Close()

			require.NoError(t, b.Set(ctx, "a", []byte("12345")))
			// Replacing a value only counts the difference.
			require.NoError(t, b.Set(ctx, "a", []byte("1234567890")))

			err := b.Set(ctx, "b", []byte("x"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrQuotaExceeded), "got %v", err)

			// The failed write left nothing behind.
			_, err = b.Get(ctx, "b")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackends_InvalidKey(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 0)
			defer b.Close()

			err := b.Set(ctx, "../escape", []byte("x"))
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

// =============================================================================
// BACKEND SPECIFICS
// =============================================================================

func TestFileBackend_Layout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 0)
	require.NoError(t, err)

	require.NoError(t, b.Set(context.Background(), KeyAIModel, []byte(`"deepseek-chat"`)))

	data, err := os.ReadFile(filepath.Join(dir, "aiModel.json"))
	require.NoError(t, err)
	assert.Equal(t, `"deepseek-chat"`, string(data))
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewSQLiteBackend(ctx, dir, 0)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, KeyCurrentSessionID, []byte(`"s1"`)))
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(ctx, dir, 0)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, KeyCurrentSessionID)
	require.NoError(t, err)
	assert.Equal(t, `"s1"`, string(got))
}

func TestMemoryBackend_CopiesValues(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)

	value := []byte("abc")
	require.NoError(t, b.Set(ctx, "k", value))
	value[0] = 'X'

	got, _ := b.Get(ctx, "k")
	assert.Equal(t, "abc", string(got))
	got[1] = 'Y'

	again, _ := b.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
	assert.Equal(t, 1, b.Writes())
	assert.EqualValues(t, 3, b.Used())
}

// =============================================================================
// OPEN / JSON HELPERS
// =============================================================================

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Options{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = Open(ctx, Options{Backend: "file", DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	_, err = Open(ctx, Options{Backend: "floppy"}, nil)
	assert.Error(t, err)
}

func TestOpen_RedisUnavailableFallsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := Open(ctx, Options{Backend: "redis", RedisAddr: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)

	type rec struct {
		Name string `json:"name"`
	}
	require.NoError(t, SetJSON(ctx, b, "rec", rec{Name: "x"}))

	var got rec
	require.NoError(t, GetJSON(ctx, b, "rec", &got))
	assert.Equal(t, "x", got.Name)

	assert.ErrorIs(t, GetJSON(ctx, b, "missing", &got), ErrNotFound)

	require.NoError(t, b.Set(ctx, "bad", []byte("{")))
	err := GetJSON(ctx, b, "bad", &got)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
