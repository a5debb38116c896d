// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns chat sessions and their messages.
//
// A Store keeps the session list most-recent-first, tracks the current
// session, and enforces every bound on append:
//
//   - per-session message cap (oldest messages dropped first)
//   - global message cap at 80% of sessions*messages, evicting from the
//     least recently updated sessions but never below a per-session floor
//   - session count cap, evicting least recently updated sessions
//
// Persistence goes through a storage.Backend. Oversized payloads trigger
// a forced trim before writing, and a quota failure triggers
// EmergencyCleanup. Neither is reported to the caller as an error.
//
// The in-flight response state (loading, thinking, partial text, error)
// lives on the Store too but is never persisted.
package session
