// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/sidernav/internal/session"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testSession() *session.ChatSession {
	base := fixedNow.Add(-time.Hour).UnixMilli()
	return &session.ChatSession{
		ID:        "1740826800000_abc123",
		Title:     "What is a *goroutine*: explain",
		CreatedAt: base,
		UpdatedAt: base + 2000,
		Messages: []session.Message{
			{ID: "m1", Role: session.RoleUser, Content: "What is a goroutine? <b>", Timestamp: base},
			{ID: "m2", Role: session.RoleAssistant, Content: "A lightweight thread.\n\n```go\ngo f()\n```\n\nUse `sync.WaitGroup`.", Timestamp: base + 1000},
			{ID: "m3", Role: session.RoleAssistant, Content: "partial", Timestamp: base + 2000, Cancelled: true},
		},
	}
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		format string
		ext    string
	}{
		{"markdown", ".md"},
		{"MD", ".md"},
		{"html", ".html"},
		{"json", ".json"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			e, err := ForFormat(tt.format, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.ext, e.FileExtension())
		})
	}

	_, err := ForFormat("pdf", nil)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestMarkdownExport(t *testing.T) {
	out, err := NewMarkdownExporter(testOptions()).Export(testSession())
	require.NoError(t, err)
	md := string(out)

	require.True(t, strings.HasPrefix(md, "---\n"))
	parts := strings.SplitN(md, "---\n", 3)
	require.Len(t, parts, 3)

	var fm frontMatter
	require.NoError(t, yaml.Unmarshal([]byte(parts[1]), &fm))
	assert.Equal(t, "What is a *goroutine*: explain", fm.Title)
	assert.Equal(t, 3, fm.Messages)
	assert.Equal(t, "sidernav", fm.Generator)

	assert.Contains(t, md, `# What is a \*goroutine\*: explain`)
	assert.Contains(t, md, "### User")
	assert.Contains(t, md, "```go\ngo f()\n```")
	assert.Contains(t, md, "### Assistant (stopped)")
}

func TestMarkdownWithoutMetadata(t *testing.T) {
	opts := testOptions()
	opts.IncludeMetadata = false
	opts.IncludeTimestamps = false

	out, err := NewMarkdownExporter(opts).Export(testSession())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "# "))
	assert.NotContains(t, string(out), "<sub>")
}

func TestHTMLExportEscapes(t *testing.T) {
	out, err := NewHTMLExporter(testOptions()).Export(testSession())
	require.NoError(t, err)
	page := string(out)

	assert.Contains(t, page, "What is a goroutine? &lt;b&gt;")
	assert.NotContains(t, page, "<b>")
	assert.Contains(t, page, `<div class="code-lang">go</div><pre><code>go f()</code></pre>`)
	assert.Contains(t, page, "<code>sync.WaitGroup</code>")
	assert.Contains(t, page, `class="message assistant cancelled"`)
	assert.Contains(t, page, `<body class="dark-theme">`)
	assert.NotContains(t, page, "\x00")
}

func TestFormatContentParagraphs(t *testing.T) {
	got := formatContent("line one\nline two\n\nsecond & last")
	assert.Equal(t, "<p>line one<br>line two</p>\n<p>second &amp; last</p>", got)
}

func TestJSONExportRoundTrips(t *testing.T) {
	cs := testSession()
	out, err := NewJSONExporter(nil).Export(cs)
	require.NoError(t, err)

	var back session.ChatSession
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, *cs, back)
}

func TestEmptySessionRejected(t *testing.T) {
	_, err := NewMarkdownExporter(nil).Export(&session.ChatSession{ID: "x"})
	assert.ErrorIs(t, err, ErrEmptySession)

	_, err = NewHTMLExporter(nil).Export(nil)
	assert.ErrorIs(t, err, ErrEmptySession)
}

func TestExportToFile(t *testing.T) {
	opts := testOptions()
	opts.OutputDir = filepath.Join(t.TempDir(), "out")

	path, err := ExportToFile(testSession(), NewMarkdownExporter(opts), opts)
	require.NoError(t, err)

	assert.Equal(t, "sidernav_What_is_a_-goroutine--_explain_20250301_120000.md", filepath.Base(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/b\\c:d", "a-b-c-d"},
		{"  hello world  ", "hello_world"},
		{"", "session"},
		{"新对话", "新对话"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.in), tt.in)
	}
}
