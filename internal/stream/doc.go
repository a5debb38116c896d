// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes the provider's server-sent-event body into content
// and reasoning deltas with a hard cap on buffered bytes.
//
// Only lines beginning with "data: " carry meaning. A payload of [DONE]
// ends the stream; anything else is a JSON chunk of the form
//
//	{"choices":[{"delta":{"content":"...","reasoning_content":"..."}}]}
//
// Malformed payloads are logged and skipped so one bad line never loses
// the rest of the answer.
//
// # Pull and push
//
// Decoder is the pull form: each Next(ctx) call returns one Event.
// Process is the push form used by the provider client. It forwards
// events to callbacks and reports cancellation as the Aborted sentinel.
package stream
