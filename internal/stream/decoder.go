// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/sidernav/internal/logging"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultMaxBufferBytes is the buffered-bytes ceiling that triggers an
	// overflow flush.
	DefaultMaxBufferBytes = 1 << 20

	// DefaultRetainBytes is what may survive an overflow flush. Anything
	// larger is dropped.
	DefaultRetainBytes = 512 << 10

	// readChunkSize is the size of each read from the body.
	readChunkSize = 4096

	dataPrefix = "data: "

	// DoneSentinel is delivered to onChunk when the provider ends the stream.
	DoneSentinel = "[DONE]"

	// AbortedSentinel is delivered to onChunk when the stream is cancelled.
	AbortedSentinel = "[ABORTED]"
)

// =============================================================================
// TYPES
// =============================================================================

// Kind classifies a decoded event.
type Kind int

const (
	// Content is a delta of answer text.
	Content Kind = iota
	// Thinking is a delta of reasoning text.
	Thinking
	// Done marks the provider's [DONE] line.
	Done
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Content:
		return "content"
	case Thinking:
		return "thinking"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one decoded delta.
type Event struct {
	Kind Kind
	Text string
}

// Options tunes the decoder. Zero values select the defaults.
type Options struct {
	MaxBufferBytes int
	RetainBytes    int
	Logger         logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if o.RetainBytes <= 0 || o.RetainBytes > o.MaxBufferBytes {
		o.RetainBytes = min(DefaultRetainBytes, o.MaxBufferBytes/2)
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// Stats describes a finished or running decode.
type Stats struct {
	BytesRead      int64
	Events         int
	MalformedLines int
	Overflows      int
}

type readResult struct {
	data []byte
	err  error
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns a byte stream into Events. It is not safe for concurrent
// use; one goroutine owns it.
type Decoder struct {
	r    io.Reader
	opts Options
	log  logrus.FieldLogger

	buf     []byte
	pending []Event
	done    bool
	err     error
	stats   Stats

	reads     chan readResult
	stop      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewDecoder creates a decoder over r. Reading starts on the first Next.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	opts = opts.withDefaults()
	return &Decoder{
		r:     r,
		opts:  opts,
		log:   opts.Logger,
		reads: make(chan readResult, 1),
		stop:  make(chan struct{}),
	}
}

// Next returns the next event. It returns io.EOF once the stream has ended
// (after [DONE] or when the body runs out) and ctx.Err() when ctx is
// cancelled while waiting for data. Any other read error is returned as is.
func (d *Decoder) Next(ctx context.Context) (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			d.stats.Events++
			return ev, nil
		}
		if d.done {
			return Event{}, io.EOF
		}
		if d.err != nil {
			return Event{}, d.err
		}

		// Cancellation is checked before every wait.
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		d.startOnce.Do(func() { go d.readLoop() })

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case res := <-d.reads:
			if len(res.data) > 0 {
				d.stats.BytesRead += int64(len(res.data))
				d.feed(res.data)
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					d.flushTail()
					d.done = true
				} else {
					d.err = res.err
				}
			}
		}
	}
}

// All returns the remaining events as a sequence. Iteration stops after
// the first error, which is yielded with a zero Event. io.EOF is not
// yielded.
func (d *Decoder) All(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close stops the background reader and drops buffered data. If the
// underlying reader is an io.Closer it is closed too, which unblocks a
// pending read.
func (d *Decoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		if c, ok := d.r.(io.Closer); ok {
			err = c.Close()
		}
		d.buf = nil
		d.pending = nil
	})
	return err
}

// Stats returns counters for the decode so far.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) readLoop() {
	for {
		chunk := make([]byte, readChunkSize)
		n, err := d.r.Read(chunk)
		select {
		case d.reads <- readResult{data: chunk[:n], err: err}:
		case <-d.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// =============================================================================
// LINE HANDLING
// =============================================================================

// feed appends a chunk, applies the overflow policy, then processes every
// complete line. The trailing partial line stays buffered.
func (d *Decoder) feed(chunk []byte) {
	if d.done {
		return
	}
	d.buf = append(d.buf, chunk...)

	if len(d.buf) > d.opts.MaxBufferBytes {
		d.handleOverflow()
	}

	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.processLine(line)
		d.buf = d.buf[idx+1:]
	}

	if d.done {
		d.buf = nil
		return
	}

	// Compact so a long stream does not pin an ever-growing backing array.
	if cap(d.buf) > 2*d.opts.MaxBufferBytes {
		d.buf = append([]byte(nil), d.buf...)
	}
}

// handleOverflow flushes complete lines up to a newline at or before the
// midpoint. If the remainder is still larger than RetainBytes it is
// dropped.
func (d *Decoder) handleOverflow() {
	mid := len(d.buf) / 2
	if cut := bytes.LastIndexByte(d.buf[:mid+1], '\n'); cut >= 0 {
		head := d.buf[:cut]
		for _, line := range bytes.Split(head, []byte{'\n'}) {
			if d.done {
				break
			}
			d.processLine(line)
		}
		d.buf = append([]byte(nil), d.buf[cut+1:]...)
	}

	if d.done {
		return
	}

	if len(d.buf) > d.opts.RetainBytes {
		d.stats.Overflows++
		d.log.WithFields(logrus.Fields{
			"dropped_bytes": len(d.buf),
			"overflows":     d.stats.Overflows,
		}).Warn("STREAM_BUFFER_OVERFLOW")
		d.buf = nil
	}
}

// flushTail treats an unterminated final line as complete.
func (d *Decoder) flushTail() {
	if len(d.buf) > 0 && !d.done {
		d.processLine(d.buf)
	}
	d.buf = nil
	if d.stats.Overflows > 0 {
		d.log.WithField("overflows", d.stats.Overflows).Warn("STREAM_ENDED_WITH_OVERFLOWS")
	}
}

func (d *Decoder) processLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])

	if string(payload) == DoneSentinel {
		d.pending = append(d.pending, Event{Kind: Done, Text: DoneSentinel})
		d.done = true
		if d.stats.Overflows > 0 {
			d.log.WithField("overflows", d.stats.Overflows).Warn("STREAM_ENDED_WITH_OVERFLOWS")
		}
		return
	}

	if !gjson.ValidBytes(payload) {
		d.stats.MalformedLines++
		d.log.WithField("payload_bytes", len(payload)).Debug("STREAM_MALFORMED_CHUNK")
		return
	}

	delta := gjson.GetBytes(payload, "choices.0.delta")
	if content := delta.Get("content"); content.Type == gjson.String && content.Str != "" {
		d.pending = append(d.pending, Event{Kind: Content, Text: content.Str})
	}
	if reasoning := delta.Get("reasoning_content"); reasoning.Type == gjson.String && reasoning.Str != "" {
		d.pending = append(d.pending, Event{Kind: Thinking, Text: reasoning.Str})
	}
}
