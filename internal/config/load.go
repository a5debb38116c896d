// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/sidernav/internal/util"
)

// HomeEnv overrides the configuration directory.
const HomeEnv = "SIDERNAV_HOME"

// Candidate config file names, in lookup order.
var configFiles = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// ConfigDir returns the sidernav configuration directory.
func ConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".sidernav"), nil
}

// DefaultPath returns the path Save writes to when no file exists yet.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// FindConfig returns the first existing config file in dir, or "".
func FindConfig(dir string) string {
	for _, name := range configFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads configuration from the config directory.
//
// Order: built-in defaults, then the first config file found, then
// migration of older schema versions, then SIDERNAV_* environment
// overrides (with .env loaded first). The result is validated.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return load(dir, FindConfig(dir))
}

// LoadFrom is Load with an explicit config file. The .env file and the
// default data directory are looked up next to it.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return load(filepath.Dir(path), path)
}

func load(dir, path string) (*Config, error) {
	// Existing environment variables win over .env.
	envFile := filepath.Join(dir, ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		var err error
		cfg, err = LoadFile(path)
		if err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(dir, "data")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a single TOML, YAML or JSON file over the defaults
// and migrates it to the current schema. It does not apply environment
// overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	// An absent version key marks a pre-versioning file.
	cfg.Version = ""

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}

	cfg.fillDefaults()
	if err := cfg.Migrate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// MIGRATION
// =============================================================================

// Migrate upgrades an older schema in place and stamps CurrentVersion.
func (c *Config) Migrate() error {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	from, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("config: invalid version %q: %w", c.Version, err)
	}
	current := semver.MustParse(CurrentVersion)
	if from.GreaterThan(current) {
		return fmt.Errorf("config: version %s is newer than supported %s", from, current)
	}

	// 1.0.x named the storage backends after the extension storage areas.
	if from.LessThan(semver.MustParse("1.1.0")) {
		switch strings.ToLower(c.Storage.Backend) {
		case "local", "chrome", "chrome.storage.local":
			c.Storage.Backend = "file"
		case "session":
			c.Storage.Backend = "memory"
		}
	}

	c.Version = CurrentVersion
	return nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// envOverrides maps environment variables to config keys.
var envOverrides = []struct {
	env string
	key string
}{
	{"SIDERNAV_API_KEY", "provider.api_key"},
	{"DEEPSEEK_API_KEY", "provider.api_key"},
	{"SIDERNAV_MODEL", "provider.model"},
	{"SIDERNAV_BASE_URL", "provider.base_url"},
	{"SIDERNAV_STORAGE", "storage.backend"},
	{"SIDERNAV_DATA_DIR", "storage.data_dir"},
	{"SIDERNAV_REDIS_ADDR", "storage.redis_addr"},
	{"SIDERNAV_SERVER_ADDR", "server.addr"},
	{"SIDERNAV_SERVER_TOKEN", "server.token"},
	{"SIDERNAV_LOG_LEVEL", "log.level"},
}

// ApplyEnvOverrides applies SIDERNAV_* environment variables. The first
// variable listed for a key wins. Unparseable values are ignored.
func (c *Config) ApplyEnvOverrides() {
	applied := make(map[string]bool)
	for _, o := range envOverrides {
		if applied[o.key] {
			continue
		}
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			if err := c.Set(o.key, v); err == nil {
				applied[o.key] = true
			}
		}
	}
}

// =============================================================================
// SAVE
// =============================================================================

const fileHeader = `# sidernav configuration
# Generated by sidernav. Edit freely; unknown keys are rejected.

`

// Save writes the configuration as TOML with owner-only permissions.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	// SECURITY: The file may contain the API key.
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ErrUnknownKey is returned by Get and Set for keys not in the schema.
var ErrUnknownKey = errors.New("config: unknown key")
