// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package request tracks in-flight cancellable requests by logical id and
// guarantees at most one active request per id.
package request

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
)

// Controller is the cancellation handle for one request.
type Controller struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
}

// ID returns the logical request id.
func (c *Controller) ID() string { return c.id }

// Context is cancelled when the controller is aborted.
func (c *Controller) Context() context.Context { return c.ctx }

// Abort cancels the request. Calling it more than once is harmless.
func (c *Controller) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.cancel()
}

// Aborted reports whether Abort has been called.
func (c *Controller) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// release frees the context without marking the request aborted.
func (c *Controller) release() { c.cancel() }

// Manager maps request ids to their controllers.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Controller
	log      logrus.FieldLogger
}

// NewManager creates an empty manager.
func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		requests: make(map[string]*Controller),
		log:      logging.OrDiscard(log),
	}
}

// Create registers a new controller for id derived from parent. An
// existing controller for the same id is aborted before Create returns.
func (m *Manager) Create(parent context.Context, id string) *Controller {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{id: id, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	old := m.requests[id]
	m.requests[id] = c
	m.mu.Unlock()

	if old != nil {
		old.Abort()
		m.log.WithField("request_id", id).Debug("REQUEST_REPLACED")
	}
	return c
}

// Abort cancels and forgets the request for id. Unknown ids are ignored.
func (m *Manager) Abort(id string) bool {
	m.mu.Lock()
	c, ok := m.requests[id]
	delete(m.requests, id)
	m.mu.Unlock()

	if ok {
		c.Abort()
		m.log.WithField("request_id", id).Debug("REQUEST_ABORTED")
	}
	return ok
}

// AbortAll cancels every tracked request and returns how many there were.
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	all := m.requests
	m.requests = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range all {
		c.Abort()
	}
	if len(all) > 0 {
		m.log.WithField("count", len(all)).Info("REQUESTS_ABORTED")
	}
	return len(all)
}

// Cleanup forgets the request for id after natural completion without
// marking it aborted. It only removes c itself; a newer controller that
// replaced it under the same id is left alone.
func (m *Manager) Cleanup(c *Controller) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if m.requests[c.id] == c {
		delete(m.requests, c.id)
	}
	m.mu.Unlock()
	c.release()
}

// Active reports whether a request is tracked for id.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[id]
	return ok
}

// Len returns the number of tracked requests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
