// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/util"
)

// ErrEmptySession is returned when there is nothing to export.
var ErrEmptySession = errors.New("export: session has no messages")

// ErrUnknownFormat is returned by ForFormat.
var ErrUnknownFormat = errors.New("export: unsupported format")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a session in one format.
type Exporter interface {
	Export(cs *session.ChatSession) ([]byte, error)

	// FileExtension includes the dot, e.g. ".md".
	FileExtension() string
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where ExportToFile writes. Default: current directory.
	OutputDir string

	// IncludeMetadata adds a header with the session id, dates and counts.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message times.
	IncludeTimestamps bool

	// Theme for HTML export ("light" or "dark").
	Theme string

	// Now stamps the export. Default: time.Now.
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:         ".",
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Theme:             "dark",
		Now:               time.Now,
	}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		return DefaultOptions()
	}
	out := *o
	if out.OutputDir == "" {
		out.OutputDir = "."
	}
	if out.Theme != "light" {
		out.Theme = "dark"
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// ForFormat returns the exporter for a format name.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "html", "htm":
		return NewHTMLExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q (use markdown, html or json)", ErrUnknownFormat, format)
	}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile exports cs into opts.OutputDir and returns the file path.
// Files are written atomically with owner-only permissions since
// transcripts can hold page content the user browsed.
func ExportToFile(cs *session.ChatSession, exporter Exporter, opts *Options) (string, error) {
	opts = opts.withDefaults()

	content, err := exporter.Export(cs)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("sidernav_%s_%s%s",
		sanitizeFilename(cs.Title),
		opts.Now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("export: create output directory: %w", err)
	}

	outputPath := filepath.Join(opts.OutputDir, filename)
	if err := util.AtomicWriteFile(outputPath, content, 0o600); err != nil {
		return "", fmt.Errorf("export: write %s: %w", outputPath, err)
	}
	return outputPath, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func validate(cs *session.ChatSession) error {
	if cs == nil || len(cs.Messages) == 0 {
		return ErrEmptySession
	}
	return nil
}

// sanitizeFilename keeps a title usable as a file name on every
// platform.
func sanitizeFilename(s string) string {
	s = util.TruncateRunes(strings.TrimSpace(s), 50, "")

	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

func millis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func formatTimestamp(ms int64) string {
	return millis(ms).Format("2006-01-02 15:04:05")
}

func formatShortTimestamp(ms int64) string {
	return millis(ms).Format("15:04:05")
}

func roleLabel(role session.Role) string {
	switch role {
	case session.RoleUser:
		return "User"
	case session.RoleAssistant:
		return "Assistant"
	case session.RoleSystem:
		return "System"
	case "":
		return "Unknown"
	default:
		runes := []rune(string(role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}
