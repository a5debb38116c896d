// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/sidernav/internal/util"
)

const fileExt = ".json"

// FileBackend stores each key as BaseDir/<key>.json.
type FileBackend struct {
	// BaseDir is the directory holding one file per key.
	// Default: ~/.sidernav/data/
	BaseDir string

	mu    sync.Mutex
	quota int64
}

// NewFileBackend creates a backend rooted at baseDir, creating it if
// needed. An empty baseDir resolves to ~/.sidernav/data.
func NewFileBackend(baseDir string, quota int64) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(home, ".sidernav", "data")
	}

	// SECURITY: Owner-only permissions, the directory holds the API key.
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &FileBackend{BaseDir: baseDir, quota: quota}, nil
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.BaseDir, key+fileExt)
}

// Get implements Backend.
func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Set implements Backend.
func (f *FileBackend) Set(_ context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.quota > 0 {
		used, err := f.usedLocked()
		if err != nil {
			return err
		}
		var old int64
		if info, err := os.Stat(f.path(key)); err == nil {
			old = info.Size()
		}
		if err := quotaCheck(f.quota, used, old, int64(len(value))); err != nil {
			return err
		}
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(f.path(key), value, 0600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (f *FileBackend) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys implements Backend.
func (f *FileBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("list data directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Backend.
func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) usedLocked() (int64, error) {
	entries, err := os.ReadDir(f.BaseDir)
	if err != nil {
		return 0, fmt.Errorf("list data directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
