// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
)

// Process drains r, calling onChunk for each content delta and onThinking
// (when non-nil) for each reasoning delta, in arrival order.
//
// The provider's [DONE] line is delivered as onChunk(DoneSentinel).
// Cancellation of ctx is delivered as onChunk(AbortedSentinel) and is not
// an error. Other read errors are logged and returned. The decoder's
// buffer is released on every path.
func Process(ctx context.Context, r io.Reader, onChunk func(string), onThinking func(string), opts Options) (Stats, error) {
	opts = opts.withDefaults()
	dec := NewDecoder(r, opts)
	defer dec.Close()

	for {
		ev, err := dec.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return dec.Stats(), nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
			opts.Logger.WithError(err).Info("STREAM_ABORTED")
			onChunk(AbortedSentinel)
			return dec.Stats(), nil
		default:
			opts.Logger.WithError(err).Error("STREAM_READ_FAILED")
			return dec.Stats(), err
		}

		switch ev.Kind {
		case Content:
			onChunk(ev.Text)
		case Thinking:
			if onThinking != nil {
				onThinking(ev.Text)
			}
		case Done:
			onChunk(DoneSentinel)
			return dec.Stats(), nil
		}
	}
}
