// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"

	"github.com/jeranaias/sidernav/internal/session"
)

// JSONExporter writes the session exactly as it is stored, so an export
// can be re-imported. Options do not filter it.
type JSONExporter struct{}

// NewJSONExporter creates a JSON exporter. opts is accepted for symmetry
// with the other exporters.
func NewJSONExporter(_ *Options) *JSONExporter {
	return &JSONExporter{}
}

// Export renders cs as indented JSON.
func (e *JSONExporter) Export(cs *session.ChatSession) ([]byte, error) {
	if cs == nil {
		return nil, ErrEmptySession
	}
	return json.MarshalIndent(cs, "", "  ")
}

// FileExtension returns ".json".
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the JSON MIME type.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
