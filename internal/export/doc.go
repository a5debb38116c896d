// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders chat sessions as Markdown, JSON or HTML.
//
// # Usage
//
//	exporter, err := export.ForFormat("markdown", nil)
//	if err != nil {
//	    return err
//	}
//	path, err := export.ExportToFile(cs, exporter, &export.Options{OutputDir: "."})
//
// Exporters are also served by the bridge at GET /sessions/{id}/export.
package export
