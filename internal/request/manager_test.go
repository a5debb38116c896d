// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package request

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateReplacesAndAbortsPrevious(t *testing.T) {
	m := NewManager(nil)

	first := m.Create(context.Background(), "x")
	second := m.Create(context.Background(), "x")

	// The first controller was aborted before the second Create returned.
	assert.True(t, first.Aborted())
	assert.Error(t, first.Context().Err())

	assert.False(t, second.Aborted())
	assert.NoError(t, second.Context().Err())
	assert.Equal(t, 1, m.Len())
}

func TestManager_Abort(t *testing.T) {
	m := NewManager(nil)
	c := m.Create(context.Background(), "chat")

	assert.True(t, m.Abort("chat"))
	assert.True(t, c.Aborted())
	assert.False(t, m.Active("chat"))

	// Unknown ids are a no-op.
	assert.False(t, m.Abort("chat"))
	assert.False(t, m.Abort("missing"))
}

func TestManager_AbortAll(t *testing.T) {
	m := NewManager(nil)
	a := m.Create(context.Background(), "a")
	b := m.Create(context.Background(), "b")

	assert.Equal(t, 2, m.AbortAll())
	assert.True(t, a.Aborted())
	assert.True(t, b.Aborted())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.AbortAll())
}

func TestManager_CleanupDoesNotAbort(t *testing.T) {
	m := NewManager(nil)
	c := m.Create(context.Background(), "chat")

	m.Cleanup(c)

	assert.False(t, c.Aborted())
	assert.False(t, m.Active("chat"))
}

func TestManager_CleanupKeepsReplacement(t *testing.T) {
	m := NewManager(nil)
	old := m.Create(context.Background(), "chat")
	current := m.Create(context.Background(), "chat")

	// The old stream finishes late and releases its bookkeeping.
	m.Cleanup(old)

	require.True(t, m.Active("chat"))
	assert.False(t, current.Aborted())

	m.Cleanup(nil)
}

func TestManager_ParentCancellationPropagates(t *testing.T) {
	m := NewManager(nil)
	parent, cancel := context.WithCancel(context.Background())

	c := m.Create(parent, "chat")
	cancel()

	<-c.Context().Done()
	assert.False(t, c.Aborted(), "parent cancellation is not a user abort")
}
