// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the key-value persistence behind sidernav's
// sessions, settings and credentials.
//
// # Backends
//
// One Backend is selected at start-up by Open and handed to every store:
//
//   - memory: process-lifetime map, used by tests and as Redis fallback
//   - file: one JSON document per key under the data directory
//   - sqlite: a single kv table in data_dir/sidernav.db
//   - redis: prefixed keys on a Redis server
//
// Every backend honours an optional byte quota across all keys. A write
// that would exceed it fails with ErrQuotaExceeded, which the session
// store answers with an emergency cleanup.
//
// # Usage
//
//	backend, err := storage.Open(ctx, storage.Options{Backend: "file", DataDir: dir}, log)
//	if err != nil { ... }
//	defer backend.Close()
//
//	err = backend.Set(ctx, storage.KeySettings, data)
package storage
