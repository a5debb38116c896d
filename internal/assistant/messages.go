// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/sidernav/internal/events"
)

// Cross-component message types.
const (
	MsgPageContentExtracted = "page-content-extracted"
	MsgExtractPageContent   = "extract-page-content"
	MsgToggleSidebar        = "toggle-sidebar"
	MsgStopGeneration       = "stop-generation"
)

// Errors returned by HandleMessage.
var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrNoPage         = errors.New("no page content available")
)

// Message is a typed message with an opaque payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleMessage dispatches a cross-component message and returns the
// reply payload.
//
// page-content-extracted blocks until the summary has been streamed.
func (a *Assistant) HandleMessage(ctx context.Context, msg Message) (any, error) {
	a.log.WithField("type", msg.Type).Debug("MESSAGE_RECEIVED")

	switch msg.Type {
	case MsgPageContentExtracted:
		var page PageContent
		if err := json.Unmarshal(msg.Payload, &page); err != nil {
			return nil, fmt.Errorf("decode page content: %w", err)
		}
		reply, err := a.SummarizePage(ctx, page)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": reply.ID, "cancelled": reply.Cancelled}, nil

	case MsgExtractPageContent:
		page, ok := a.LastPage()
		if !ok {
			return nil, ErrNoPage
		}
		return page, nil

	case MsgToggleSidebar:
		a.mu.Lock()
		a.sidebarVisible = !a.sidebarVisible
		visible := a.sidebarVisible
		a.mu.Unlock()
		if a.bus != nil {
			a.bus.Dispatch(events.Event{Type: events.TypeSidebarToggle, Data: map[string]any{"visible": visible}, Timestamp: time.Now()})
		}
		return map[string]any{"visible": visible}, nil

	case MsgStopGeneration:
		return map[string]any{"stopped": a.StopGeneration()}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}
