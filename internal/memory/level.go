// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"fmt"
	"strings"
)

// Level is a pressure classification, ordered from best to worst.
type Level int

const (
	Healthy Level = iota
	Warning
	Critical
	Emergency
)

var levelNames = [...]string{"healthy", "warning", "critical", "emergency"}

// String returns the lower-case level name.
func (l Level) String() string {
	if l < Healthy || l > Emergency {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range levelNames {
		if n == name {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown memory level %q", text)
}
