// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, o := range envOverrides {
		t.Setenv(o.env, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, "deepseek-chat", cfg.Provider.Model)
	assert.Equal(t, 50, cfg.Session.MaxSessions)
	assert.Equal(t, 100, cfg.Session.MaxMessagesPerSession)
	assert.Equal(t, 1<<20, cfg.Stream.MaxBufferBytes)
	assert.Equal(t, 512<<10, cfg.Stream.RetainAfterFlushBytes)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Provider.BaseURL = "http://api.example.com"
	cfg.Provider.Temperature = 3
	cfg.Storage.Backend = "floppy"
	cfg.Memory.CriticalMB = 50

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"provider.base_url",
		"provider.temperature",
		"storage.backend",
		"memory.warning_mb",
	}, fields)
}

func TestValidateAllowsLocalHTTP(t *testing.T) {
	cfg := Default()
	cfg.Provider.BaseURL = "http://localhost:8080"
	assert.NoError(t, cfg.Validate())
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("provider.model", "deepseek-reasoner"))
	v, err := cfg.Get("provider.model")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-reasoner", v)

	require.NoError(t, cfg.Set("session.max_sessions", "20"))
	assert.Equal(t, 20, cfg.Session.MaxSessions)

	require.NoError(t, cfg.Set("memory.enable_gc_hint", "false"))
	assert.False(t, cfg.Memory.EnableGCHint)

	require.NoError(t, cfg.Set("provider.temperature", "0.2"))
	assert.InDelta(t, 0.2, cfg.Provider.Temperature, 1e-9)

	assert.Error(t, cfg.Set("session.max_sessions", "many"))

	_, err = cfg.Get("provider.nope")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = cfg.Get("provider")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.ErrorIs(t, cfg.Set("provider.model.x", "y"), ErrUnknownKey)
}

func TestAllKeys(t *testing.T) {
	keys := AllKeys()
	assert.Contains(t, keys, "provider.api_key")
	assert.Contains(t, keys, "storage.backend")
	assert.Contains(t, keys, "version")
	assert.IsNonDecreasing(t, keys)

	cfg := Default()
	for _, k := range keys {
		_, err := cfg.Get(k)
		assert.NoError(t, err, k)
	}
}

func TestSetStringList(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("server.allowed_origins", "chrome-extension://abc, http://localhost:3000,"))
	assert.Equal(t, []string{"chrome-extension://abc", "http://localhost:3000"}, cfg.Server.AllowedOrigins)

	got, err := cfg.Get("server.allowed_origins")
	require.NoError(t, err)
	assert.Equal(t, "chrome-extension://abc,http://localhost:3000", got)

	clone := cfg.Clone()
	clone.Server.AllowedOrigins[0] = "changed"
	assert.Equal(t, "chrome-extension://abc", cfg.Server.AllowedOrigins[0])
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Provider.APIKey = "sk-1234567890abcdef"
	out := cfg.String()
	assert.NotContains(t, out, "sk-1234567890abcdef")
	assert.Contains(t, out, "****cdef")
	assert.Equal(t, "sk-1234567890abcdef", cfg.Provider.APIKey)
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.Provider.Model = "deepseek-reasoner"
	cfg.Cache.MaxEntries = 42
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-reasoner", loaded.Provider.Model)
	assert.Equal(t, 42, loaded.Cache.MaxEntries)
	assert.Equal(t, CurrentVersion, loaded.Version)
}

func TestLoadFileYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("version: 1.1.0\nprovider:\n  model: from-yaml\n"), 0o600))
	cfg, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Provider.Model)
	assert.Equal(t, "https://api.deepseek.com", cfg.Provider.BaseURL)

	jsonPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"version":"1.1.0","session":{"max_sessions":7}}`), 0o600))
	cfg, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.MaxSessions)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"bogus":1}`), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "config.ini"))
	assert.Error(t, err)
}

func TestMigrateLegacyBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\nbackend = \"chrome\"\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, CurrentVersion, cfg.Version)
}

func TestMigrateRejectsNewerVersion(t *testing.T) {
	cfg := Default()
	cfg.Version = "9.0.0"
	assert.Error(t, cfg.Migrate())

	cfg.Version = "not-a-version"
	assert.Error(t, cfg.Migrate())
}

func TestLoadAppliesEnvAndDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"),
		[]byte("version = \"1.1.0\"\n[provider]\nmodel = \"from-file\"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SIDERNAV_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("SIDERNAV_MODEL", "from-env")
	// godotenv never overrides a variable that exists, even when empty.
	require.NoError(t, os.Unsetenv("SIDERNAV_LOG_LEVEL"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Provider.Model)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.DataDir)
}

func TestLoadFromExplicitPath(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1.1.0\nserver:\n  addr: 127.0.0.1:9999\n"), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.DataDir)

	_, err = LoadFrom(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(HomeEnv, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Provider.Model, cfg.Provider.Model)
}

func TestEnvOverridePrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIDERNAV_API_KEY", "primary")
	t.Setenv("DEEPSEEK_API_KEY", "secondary")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "primary", cfg.Provider.APIKey)

	t.Setenv("SIDERNAV_API_KEY", "")
	cfg = Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "secondary", cfg.Provider.APIKey)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, Default().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, nil, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Provider.Model = "reloaded"
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-changes:
		assert.Equal(t, "reloaded", got.Provider.Model)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || strings.Contains(err.Error(), "canceled"))
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
