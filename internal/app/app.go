// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app constructs the process-wide components from configuration
// and owns their lifetime. Every component is created once here and
// passed explicitly to its users; Close tears them down through the
// resource manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/assistant"
	"github.com/jeranaias/sidernav/internal/cache"
	"github.com/jeranaias/sidernav/internal/cloud"
	"github.com/jeranaias/sidernav/internal/config"
	"github.com/jeranaias/sidernav/internal/events"
	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/memory"
	"github.com/jeranaias/sidernav/internal/request"
	"github.com/jeranaias/sidernav/internal/resource"
	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/settings"
	"github.com/jeranaias/sidernav/internal/storage"
	"github.com/jeranaias/sidernav/internal/stream"
)

// shutdownSaveTimeout bounds the final session save.
const shutdownSaveTimeout = 5 * time.Second

// App holds every long-lived component.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	Backend   storage.Backend
	Bus       *events.Bus
	Resources *resource.Manager
	Requests  *request.Manager
	Cache     *cache.Manager[string]
	Scratch   *memory.Scratch
	Monitor   *memory.Monitor
	Settings  *settings.Store
	Sessions  *session.Store
	Client    *cloud.Client
	Assistant *assistant.Assistant

	logCloser io.Closer
	closeOnce sync.Once
}

// Options adjust construction, mostly for tests.
type Options struct {
	// Logger replaces the logger built from cfg.Log.
	Logger *logrus.Logger

	// Backend replaces the backend selected by cfg.Storage.
	Backend storage.Backend

	// Sampler replaces the runtime heap sampler.
	Sampler memory.Sampler
}

// New builds and loads every component. The memory monitor is created
// but not started; call StartMonitor for long-running commands.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	a.Log, a.logCloser = opts.Logger, nopCloser{}
	if a.Log == nil {
		logger, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, err
		}
		a.Log, a.logCloser = logger, closer
	}

	a.Backend = opts.Backend
	if a.Backend == nil {
		backend, err := storage.Open(ctx, storage.Options{
			Backend:       cfg.Storage.Backend,
			DataDir:       cfg.Storage.DataDir,
			QuotaBytes:    cfg.Storage.QuotaBytes,
			RedisAddr:     cfg.Storage.RedisAddr,
			RedisPassword: cfg.Storage.RedisPassword,
			RedisDB:       cfg.Storage.RedisDB,
		}, a.Log)
		if err != nil {
			a.logCloser.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.Backend = backend
	}

	a.Bus = events.NewBus(a.Log)
	a.Resources = resource.NewManager(a.Log)
	a.Requests = request.NewManager(a.Log)
	a.Scratch = memory.NewScratch()

	a.Cache = cache.New[string](cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxSizeMB:     cfg.Cache.MaxSizeMB,
		DefaultTTL:    time.Duration(cfg.Cache.DefaultTTLSecs) * time.Second,
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSecs) * time.Second,
		Logger:        a.Log.WithField("component", "cache"),
	})

	a.Monitor = memory.NewMonitor(monitorConfig(cfg, a.Log), opts.Sampler, a.Resources, a.Bus, a.Scratch)

	a.Settings = settings.NewStore(a.Backend, a.Log)
	if err := a.Settings.Load(ctx); err != nil {
		a.closeEarly()
		return nil, err
	}

	a.Sessions = session.NewStore(a.Backend, session.Config{
		MaxSessions:           cfg.Session.MaxSessions,
		MaxMessagesPerSession: cfg.Session.MaxMessagesPerSession,
		MaxPayloadBytes:       cfg.Session.MaxPayloadBytes,
		EmergencyKeepSessions: cfg.Session.EmergencyKeepSessions,
		EmergencyKeepMessages: cfg.Session.EmergencyKeepMessages,
		Logger:                a.Log,
	})
	if err := a.Sessions.LoadSessions(ctx); err != nil {
		a.closeEarly()
		return nil, err
	}

	a.Client = cloud.NewClient(cloud.Options{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            a.resolveAPIKey(),
		Model:             a.resolveModel(),
		Temperature:       cfg.Provider.Temperature,
		Timeout:           time.Duration(cfg.Provider.TimeoutSecs) * time.Second,
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		Requests:          a.Requests,
		Stream: stream.Options{
			MaxBufferBytes: cfg.Stream.MaxBufferBytes,
			RetainBytes:    cfg.Stream.RetainAfterFlushBytes,
		},
		Logger: a.Log,
	})

	a.Assistant = assistant.New(assistant.Options{
		Provider:        a.Client,
		Sessions:        a.Sessions,
		Cache:           a.Cache,
		Bus:             a.Bus,
		Scratch:         a.Scratch,
		SystemPrompt:    cfg.Provider.SystemPrompt,
		HistoryMessages: cfg.Provider.HistoryMessages,
		Logger:          a.Log,
	})

	a.registerCleanup()
	a.Resources.AddEventListener(a.Bus, events.TypeMemoryPressure, a.onMemoryPressure)
	return a, nil
}

func monitorConfig(cfg *config.Config, log logrus.FieldLogger) memory.Config {
	mc := memory.DefaultConfig()
	mc.Interval = time.Duration(cfg.Memory.IntervalSecs) * time.Second
	mc.Thresholds = memory.Thresholds{
		WarningMB:        cfg.Memory.WarningMB,
		CriticalMB:       cfg.Memory.CriticalMB,
		EmergencyMB:      cfg.Memory.EmergencyMB,
		WarningPercent:   cfg.Memory.WarningPercent,
		CriticalPercent:  cfg.Memory.CriticalPercent,
		EmergencyPercent: cfg.Memory.EmergencyPercent,
	}
	mc.MaxHistory = cfg.Memory.MaxHistory
	mc.HistoryMaxAge = time.Duration(cfg.Memory.HistoryMaxAgeMins) * time.Minute
	if cfg.Memory.EnableGCHint {
		mc.GCHint = memory.RuntimeGCHint
	}
	mc.Logger = log.WithField("component", "memory")
	return mc
}

// resolveAPIKey prefers the configured key over the stored one.
func (a *App) resolveAPIKey() string {
	if a.Config.Provider.APIKey != "" {
		return a.Config.Provider.APIKey
	}
	return a.Settings.APIKey()
}

// resolveModel prefers an explicitly configured model over the stored one.
func (a *App) resolveModel() string {
	if m := a.Config.Provider.Model; m != "" && m != cloud.DefaultModel {
		return m
	}
	return a.Settings.Model()
}

// registerCleanup queues the shutdown steps in order.
func (a *App) registerCleanup() {
	a.Resources.AddCleanup(func() {
		if n := a.Requests.AbortAll(); n > 0 {
			a.Log.WithField("requests", n).Info("REQUESTS_ABORTED_ON_SHUTDOWN")
		}
	})
	a.Resources.AddCleanup(a.Monitor.Stop)
	a.Resources.AddCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownSaveTimeout)
		defer cancel()
		if err := a.Sessions.SaveSessions(ctx); err != nil {
			a.Log.WithError(err).Warn("FINAL_SESSION_SAVE_FAILED")
		}
	})
	a.Resources.AddCleanup(a.Cache.Close)
}

// onMemoryPressure relieves the cache as pressure rises. Sessions are
// left alone: the monitor has already trimmed its history and purged
// temp scratch keys, and session eviction is reserved for storage quota
// failures. It runs synchronously on the sampler's goroutine.
func (a *App) onMemoryPressure(ev events.Event) {
	n, ok := ev.Data.(memory.Notification)
	if !ok {
		return
	}
	switch n.Level {
	case memory.Critical:
		if swept := a.Cache.Sweep(); swept > 0 {
			a.Log.WithField("swept", swept).Info("CACHE_SWEPT_UNDER_PRESSURE")
		}
	case memory.Emergency:
		entries := a.Cache.Len()
		a.Cache.Clear()
		a.Log.WithField("entries", entries).Warn("CACHE_CLEARED_UNDER_PRESSURE")
	}
}

// StartMonitor begins heap sampling.
func (a *App) StartMonitor() {
	a.Monitor.Start()
}

// ApplyConfig applies a reloaded configuration to the components that
// support live changes.
func (a *App) ApplyConfig(cfg *config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		a.Log.SetLevel(lvl)
	}
	if cfg.Provider.APIKey != "" && cfg.Provider.APIKey != a.Config.Provider.APIKey {
		a.Client.SetAPIKey(cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != a.Config.Provider.Model {
		a.Client.SetModel(cfg.Provider.Model)
		a.Assistant.InvalidateAnswers()
	}
	a.Config = cfg
	a.Log.Info("CONFIG_APPLIED")
}

// SetAPIKey stores a new key and applies it to the client.
func (a *App) SetAPIKey(ctx context.Context, key string) error {
	if err := a.Settings.SetAPIKey(ctx, key); err != nil {
		return err
	}
	a.Client.SetAPIKey(key)
	return nil
}

// Close runs the registered cleanup, then closes storage and the log.
// It is safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Resources.Cleanup()
		err = errors.Join(a.Backend.Close(), a.logCloser.Close())
	})
	return err
}

// closeEarly releases what New built before a load failure.
func (a *App) closeEarly() {
	a.Cache.Close()
	a.Backend.Close()
	a.logCloser.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
