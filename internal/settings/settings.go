// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings persists user preferences, the provider credentials
// and search history.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/storage"
)

// Bounds on the persisted search lists.
const (
	MaxSearchHistory  = 50
	MaxRecentSearches = 10
)

// DefaultModel is used when no model has been stored.
const DefaultModel = "deepseek-chat"

// ErrUnknownSetting is returned for keys that are not part of Settings.
var ErrUnknownSetting = errors.New("unknown setting")

// Settings are the user preferences. Keys are the JSON names.
type Settings struct {
	SearchEngine     string `json:"searchEngine"`
	SidebarWidth     int    `json:"sidebarWidth"`
	SidebarPosition  string `json:"sidebarPosition"`
	ShowWeather      bool   `json:"showWeather"`
	ShowCalendar     bool   `json:"showCalendar"`
	ShowClock        bool   `json:"showClock"`
	QuickCopyEnabled bool   `json:"quickCopyEnabled"`
	Theme            string `json:"theme"`
	Language         string `json:"language"`
}

// Defaults returns the initial preferences.
func Defaults() Settings {
	return Settings{
		SearchEngine:     "google",
		SidebarWidth:     400,
		SidebarPosition:  "right",
		ShowWeather:      true,
		ShowCalendar:     true,
		ShowClock:        true,
		QuickCopyEnabled: true,
		Theme:            "auto",
		Language:         "zh-CN",
	}
}

// Store holds settings in memory and writes every change through to
// the backend.
type Store struct {
	mu       sync.RWMutex
	backend  storage.Backend
	log      logrus.FieldLogger
	settings Settings
	apiKey   string
	model    string
	history  []string
	recent   []string
}

// NewStore returns a store with default settings. Call Load to restore
// persisted values.
func NewStore(backend storage.Backend, log logrus.FieldLogger) *Store {
	return &Store{
		backend:  backend,
		log:      logging.OrDiscard(log).WithField("component", "settings"),
		settings: Defaults(),
		model:    DefaultModel,
	}
}

// Load reads all persisted records. Missing records keep their defaults;
// stored settings are merged over the defaults so new fields get values.
func (s *Store) Load(ctx context.Context) error {
	settings := Defaults()
	if err := s.get(ctx, storage.KeySettings, &settings); err != nil {
		return err
	}
	var apiKey, model string
	if err := s.get(ctx, storage.KeyAPIKey, &apiKey); err != nil {
		return err
	}
	if err := s.get(ctx, storage.KeyAIModel, &model); err != nil {
		return err
	}
	var history, recent []string
	if err := s.get(ctx, storage.KeySearchHistory, &history); err != nil {
		return err
	}
	if err := s.get(ctx, storage.KeyRecentSearches, &recent); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.apiKey = apiKey
	s.model = lo.Ternary(model == "", DefaultModel, model)
	s.history = lo.Slice(history, 0, MaxSearchHistory)
	s.recent = lo.Slice(recent, 0, MaxRecentSearches)

	s.log.WithFields(logrus.Fields{
		"model": s.model,
		"key":   logging.KeyFingerprint(apiKey),
	}).Debug("SETTINGS_LOADED")
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	err := storage.GetJSON(ctx, s.backend, key, v)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("load %s: %w", key, err)
}

// =============================================================================
// PREFERENCES
// =============================================================================

// Settings returns the current preferences.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSetting sets one preference by its JSON name and persists it.
// The value must decode into the field's type.
func (s *Store) UpdateSetting(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := applySetting(s.settings, key, value)
	if err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, s.backend, storage.KeySettings, updated); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.settings = updated
	s.log.WithField("key", key).Debug("SETTING_UPDATED")
	return nil
}

// Reset restores and persists the defaults.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.SetJSON(ctx, s.backend, storage.KeySettings, Defaults()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.settings = Defaults()
	return nil
}

// applySetting round-trips through JSON so the field type is checked by
// the decoder.
func applySetting(current Settings, key string, value any) (Settings, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return current, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return current, err
	}
	if _, ok := fields[key]; !ok {
		return current, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return current, fmt.Errorf("encode %s: %w", key, err)
	}
	fields[key] = encoded

	merged, err := json.Marshal(fields)
	if err != nil {
		return current, err
	}
	var out Settings
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return current, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return out, nil
}

// =============================================================================
// PROVIDER CREDENTIALS
// =============================================================================

// SetAPIKey stores the API key.
func (s *Store) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.SetJSON(ctx, s.backend, storage.KeyAPIKey, key); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	s.apiKey = key
	s.log.WithField("key", logging.KeyFingerprint(key)).Info("API_KEY_SAVED")
	return nil
}

// APIKey returns the stored API key or "".
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

// SetModel stores the model name. An empty name restores the default.
func (s *Store) SetModel(ctx context.Context, model string) error {
	model = lo.Ternary(strings.TrimSpace(model) == "", DefaultModel, strings.TrimSpace(model))
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.SetJSON(ctx, s.backend, storage.KeyAIModel, model); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	s.model = model
	return nil
}

// Model returns the stored model or DefaultModel.
func (s *Store) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// =============================================================================
// SEARCH HISTORY
// =============================================================================

// AddSearchHistory records a query, newest first, without duplicates.
func (s *Store) AddSearchHistory(ctx context.Context, query string) error {
	return s.pushBounded(ctx, query, storage.KeySearchHistory, &s.history, MaxSearchHistory)
}

// AddRecentSearch records a query in the short recent list.
func (s *Store) AddRecentSearch(ctx context.Context, query string) error {
	return s.pushBounded(ctx, query, storage.KeyRecentSearches, &s.recent, MaxRecentSearches)
}

// SearchHistory returns the search history, newest first.
func (s *Store) SearchHistory() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.history...)
}

// RecentSearches returns the recent searches, newest first.
func (s *Store) RecentSearches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.recent...)
}

// ClearSearchHistory empties both search lists.
func (s *Store) ClearSearchHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{storage.KeySearchHistory, storage.KeyRecentSearches} {
		if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	s.history, s.recent = nil, nil
	return nil
}

func (s *Store) pushBounded(ctx context.Context, query, key string, list *[]string, limit int) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := append([]string{query}, lo.Without(*list, query)...)
	next = lo.Slice(next, 0, limit)
	if err := storage.SetJSON(ctx, s.backend, key, next); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	*list = next
	return nil
}
