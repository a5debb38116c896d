// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the assistant to a browser extension over a
// local HTTP bridge.
//
// # Endpoints
//
//   - GET    /health          - Liveness and provider configuration
//   - GET    /stats           - Cache, memory, resource and session statistics
//   - GET    /events          - Server-sent stream of bus events
//   - GET    /sessions        - Session summaries
//   - GET    /sessions/{id}   - One session with its messages
//   - GET    /sessions/{id}/export?format=markdown|html|json
//   - DELETE /sessions/{id}   - Delete a session
//   - POST   /messages        - Cross-component message ({type, payload})
//   - POST   /chat            - Send a message; answer streamed as SSE
//   - POST   /chat/stop       - Abort the answer being streamed
//
// Chat streams end with a "[DONE]" or "[ABORTED]" data line. Errors are
// JSON objects of the form {"error": "..."}.
//
// # Usage
//
//	srv := server.New(a, server.Options{Addr: cfg.Server.Addr})
//	go srv.Start()
//	...
//	a.Close() // shuts the server down through the resource manager
package server
