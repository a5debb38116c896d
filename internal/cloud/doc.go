// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the DeepSeek chat completions client.
//
// Streaming requests are registered with a request.Manager so that a
// new request under the same id aborts the previous one, and their
// bodies are decoded by stream.Process. Cancellation is reported as the
// "[ABORTED]" chunk rather than an error.
//
// Usage:
//
//	client := cloud.NewClient(cloud.Options{APIKey: key, Requests: requests})
//	err := client.ChatStream(ctx, "chat", msgs, onChunk, onThinking)
//	if err != nil {
//	    fmt.Println(cloud.UserMessage(err))
//	}
//
// SECURITY: The API key is only ever logged as a fingerprint.
package cloud
