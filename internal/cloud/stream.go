// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/stream"
)

// StreamError is a failure after part of the answer was received.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error { return e.Err }

// ChatStream sends a streaming request and delivers deltas in arrival
// order. onChunk receives answer text and finally stream.DoneSentinel,
// or stream.AbortedSentinel if the request was aborted. onThinking may
// be nil.
//
// Starting a stream under a requestID that is already in flight aborts
// the earlier one.
func (c *Client) ChatStream(ctx context.Context, requestID string, messages []Message, onChunk, onThinking func(string)) error {
	ctrl := c.requests.Create(ctx, requestID)
	defer c.requests.Cleanup(ctrl)

	log := c.log.WithField("request", requestID)
	rctx := ctrl.Context()

	resp, err := c.send(rctx, messages, true, 0)
	if err != nil {
		if rctx.Err() != nil {
			log.Info("STREAM_ABORTED_BEFORE_RESPONSE")
			onChunk(stream.AbortedSentinel)
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	var partial strings.Builder
	stats, err := stream.Process(rctx, resp.Body, func(text string) {
		if text != stream.DoneSentinel && text != stream.AbortedSentinel {
			partial.WriteString(text)
		}
		onChunk(text)
	}, onThinking, c.streamOpts)

	log.WithFields(logrus.Fields{
		"bytes":     stats.BytesRead,
		"events":    stats.Events,
		"malformed": stats.MalformedLines,
		"overflows": stats.Overflows,
	}).Debug("STREAM_FINISHED")

	if err != nil {
		return &StreamError{Partial: partial.String(), Err: err}
	}
	return nil
}
