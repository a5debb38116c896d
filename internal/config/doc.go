// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and manages sidernav configuration.
//
// Configuration file locations (first match wins):
//   - ~/.sidernav/config.toml
//   - ~/.sidernav/config.yaml
//   - ~/.sidernav/config.json
//   - Built-in defaults
//
// A ~/.sidernav/.env file, when present, is loaded into the environment
// before SIDERNAV_* overrides are applied. Variables already set in the
// environment win over the .env file.
//
// Keys use dot notation matching the TOML names, e.g.
//
//	cfg.Get("provider.model")
//	cfg.Set("session.max_sessions", "20")
package config
