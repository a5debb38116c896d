// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
)

// =============================================================================
// KEYS
// =============================================================================

// Logical records persisted by sidernav.
const (
	KeyAPIKey           = "apiKey"
	KeyAIModel          = "aiModel"
	KeyChatSessions     = "chatSessions"
	KeyCurrentSessionID = "currentSessionId"
	KeyLastCleanupTime  = "lastCleanupTime"
	KeySettings         = "settings"
	KeySearchHistory    = "searchHistory"
	KeyRecentSearches   = "recentSearches"
)

// validKey restricts keys to names that are safe as file names.
var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned by Get when the key has never been written
	// or was deleted.
	ErrNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is returned by Set when the write would push the
	// backend over its byte quota. Nothing is written in that case.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrInvalidKey is returned for keys outside [A-Za-z0-9_.-].
	ErrInvalidKey = errors.New("storage: invalid key")
)

// =============================================================================
// BACKEND
// =============================================================================

// Backend is a byte-oriented key-value store.
type Backend interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every stored key in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases connections and files.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string // memory|file|sqlite|redis
	DataDir    string
	QuotaBytes int64 // 0 = unlimited

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open constructs the backend named by opts.Backend. An unreachable Redis
// server degrades to an in-memory backend with a warning instead of
// failing start-up.
func Open(ctx context.Context, opts Options, log logrus.FieldLogger) (Backend, error) {
	log = logging.OrDiscard(log)

	switch strings.ToLower(opts.Backend) {
	case "memory":
		return NewMemoryBackend(opts.QuotaBytes), nil
	case "", "file":
		return NewFileBackend(opts.DataDir, opts.QuotaBytes)
	case "sqlite":
		return NewSQLiteBackend(ctx, opts.DataDir, opts.QuotaBytes)
	case "redis":
		backend, err := NewRedisBackend(ctx, RedisOptions{
			Addr:       opts.RedisAddr,
			Password:   opts.RedisPassword,
			DB:         opts.RedisDB,
			QuotaBytes: opts.QuotaBytes,
		})
		if err != nil {
			log.WithError(err).WithField("addr", opts.RedisAddr).Warn("STORAGE_REDIS_UNAVAILABLE")
			return NewMemoryBackend(opts.QuotaBytes), nil
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}

// =============================================================================
// JSON HELPERS
// =============================================================================

// GetJSON decodes the value under key into v. It returns ErrNotFound
// untouched so callers can fall back to defaults.
func GetJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set(ctx, key, data)
}

func checkKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// quotaCheck reports ErrQuotaExceeded when replacing a value of oldSize
// bytes with one of newSize bytes would push used over quota.
func quotaCheck(quota, used, oldSize, newSize int64) error {
	if quota <= 0 {
		return nil
	}
	if projected := used - oldSize + newSize; projected > quota {
		return fmt.Errorf("%w: %d bytes would exceed quota of %d", ErrQuotaExceeded, projected, quota)
	}
	return nil
}
