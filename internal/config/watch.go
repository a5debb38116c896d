// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
)

// DefaultDebounce coalesces editor save bursts into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes the new config to
// onChange. Invalid files are logged and skipped. Watch blocks until ctx
// is done.
//
// The parent directory is watched rather than the file so that editors
// that replace the file on save keep triggering events.
func Watch(ctx context.Context, path string, debounce time.Duration, log logrus.FieldLogger, onChange func(*Config)) error {
	log = logging.OrDiscard(log)
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := LoadFile(path)
			if err == nil {
				cfg.ApplyEnvOverrides()
				err = cfg.Validate()
			}
			if err != nil {
				log.WithError(err).WithField("path", path).Warn("CONFIG_RELOAD_FAILED")
				continue
			}
			log.WithField("path", path).Info("CONFIG_RELOADED")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("CONFIG_WATCH_ERROR")
		}
	}
}
