// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sidernav/internal/app"
	"github.com/jeranaias/sidernav/internal/config"
	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/storage"
)

// =============================================================================
// FIXTURES
// =============================================================================

// answering replies with chunks as SSE deltas for streaming requests and
// with the joined chunks as one completion otherwise.
func answering(chunks ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": strings.Join(chunks, "")}}},
			})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			b, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": c}}},
			})
			io.WriteString(w, "data: "+string(b)+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
}

// isolate points config lookup at a fresh directory and clears the
// environment overrides a developer machine might carry.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.HomeEnv, dir)
	for _, env := range []string{
		"SIDERNAV_API_KEY", "DEEPSEEK_API_KEY", "SIDERNAV_MODEL", "SIDERNAV_BASE_URL",
		"SIDERNAV_DATA_DIR", "SIDERNAV_REDIS_ADDR", "SIDERNAV_SERVER_ADDR",
		"SIDERNAV_SERVER_TOKEN", "SIDERNAV_LOG_LEVEL",
	} {
		t.Setenv(env, "")
	}
	t.Setenv("SIDERNAV_STORAGE", "memory")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type fakeLister []session.ChatSession

func (f fakeLister) Sessions() []session.ChatSession { return f }

// scriptedInput replays lines, then reports EOF.
type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) ReadInput(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// =============================================================================
// ASK
// =============================================================================

func TestReadQuestion(t *testing.T) {
	q, err := readQuestion([]string{"what", "is", " go "}, nil)
	require.NoError(t, err)
	assert.Equal(t, "what is  go", q)

	q, err = readQuestion([]string{"-"}, strings.NewReader("  from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", q)
}

func TestAskStreamsAnswer(t *testing.T) {
	isolate(t)
	upstream := answering("Hello", " world")
	defer upstream.Close()
	t.Setenv("SIDERNAV_BASE_URL", upstream.URL)
	t.Setenv("SIDERNAV_API_KEY", "sk-test-abcdefghijklmnop")

	out, err := run(t, "ask", "say", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello world\n", out)
}

func TestAskNoStream(t *testing.T) {
	isolate(t)
	upstream := answering("Hel", "lo")
	defer upstream.Close()
	t.Setenv("SIDERNAV_BASE_URL", upstream.URL)
	t.Setenv("SIDERNAV_API_KEY", "sk-test-abcdefghijklmnop")

	out, err := run(t, "ask", "--no-stream", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", out)
}

func TestAskWithoutKey(t *testing.T) {
	isolate(t)

	_, err := run(t, "ask", "hi")
	assert.ErrorIs(t, err, errNotConfigured)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestResolveSessionID(t *testing.T) {
	store := fakeLister{
		{ID: "session_100_aaa"},
		{ID: "session_100_aab"},
		{ID: "session_200_xyz"},
		{ID: "session_200"},
	}

	tests := []struct {
		name    string
		prefix  string
		want    string
		wantErr string
	}{
		{"exact", "session_100_aaa", "session_100_aaa", ""},
		{"unique prefix", "session_200_x", "session_200_xyz", ""},
		{"exact wins over prefix", "session_200", "session_200", ""},
		{"ambiguous", "session_100", "", "ambiguous"},
		{"missing", "nope", "", "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSessionID(store, tt.prefix)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSessionIDNotFoundIsSentinel(t *testing.T) {
	_, err := resolveSessionID(fakeLister{}, "x")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestPrintSessionTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSessionTable(&buf, nil, ""))
	assert.Contains(t, buf.String(), "No sessions yet.")

	buf.Reset()
	sessions := []session.ChatSession{
		{ID: "s1", Title: "关于 Go 的问题", Messages: make([]session.Message, 3)},
		{ID: "s2", Title: "Other"},
	}
	require.NoError(t, printSessionTable(&buf, sessions, "s1"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "*"), lines[1])
	assert.Contains(t, lines[1], "关于 Go 的问题")
	assert.Contains(t, lines[1], "   3")
	assert.True(t, strings.HasPrefix(lines[2], " "), lines[2])
}

func TestSessionsCommands(t *testing.T) {
	isolate(t)

	out, err := run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions yet.")

	_, err = run(t, "sessions", "clear")
	assert.Error(t, err)

	_, err = run(t, "sessions", "delete", "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionsExport(t *testing.T) {
	isolate(t)
	t.Setenv("SIDERNAV_STORAGE", "file")

	cfg, err := config.Load()
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, app.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = a.Sessions.AddMessage(context.Background(), session.RoleUser, "persisted question")
	require.NoError(t, err)
	id := a.Sessions.CurrentSessionID()
	require.NoError(t, a.Close())

	out, err := run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "persisted question")

	outDir := t.TempDir()
	out, err = run(t, "sessions", "export", "--format", "json", "-o", outDir, id[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Exported")

	files, err := filepath.Glob(filepath.Join(outDir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	var cs session.ChatSession
	require.NoError(t, json.Unmarshal(data, &cs))
	assert.Equal(t, id, cs.ID)

	_, err = run(t, "sessions", "export", "--format", "pdf")
	assert.Error(t, err)
}

// =============================================================================
// CHAT
// =============================================================================

func newTestApp(t *testing.T, upstream *httptest.Server) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Provider.BaseURL = upstream.URL
	cfg.Provider.APIKey = "sk-test-abcdefghijklmnop"
	cfg.Provider.RequestsPerMinute = 0

	a, err := app.New(context.Background(), cfg, app.Options{
		Logger:  logging.Discard(),
		Backend: storage.NewMemoryBackend(0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestChatREPL(t *testing.T) {
	upstream := answering("Hello", " world")
	defer upstream.Close()
	a := newTestApp(t, upstream)

	var out bytes.Buffer
	r := &chatREPL{
		app: a,
		in:  &scriptedInput{lines: []string{"hi there", "", "/bogus", "/new", "/sessions", "/quit", "never read"}},
		out: &out,
	}
	require.NoError(t, r.run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Hello world")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "New session")

	sessions := a.Sessions.Sessions()
	require.Len(t, sessions, 2)
	assert.Empty(t, sessions[0].Messages)
	require.Len(t, sessions[1].Messages, 2)
	assert.Equal(t, "Hello world", sessions[1].Messages[1].Content)
}

func TestChatREPLSwitchAndDelete(t *testing.T) {
	upstream := answering("ok")
	defer upstream.Close()
	a := newTestApp(t, upstream)
	ctx := context.Background()

	first, err := a.Sessions.CreateNewSession(ctx)
	require.NoError(t, err)
	second, err := a.Sessions.CreateNewSession(ctx)
	require.NoError(t, err)

	var out bytes.Buffer
	r := &chatREPL{
		app: a,
		in:  &scriptedInput{lines: []string{"/switch " + first, "/delete " + second, "/switch"}},
		out: &out,
	}
	require.NoError(t, r.run(ctx))

	assert.Equal(t, first, a.Sessions.CurrentSessionID())
	require.Len(t, a.Sessions.Sessions(), 1)
	assert.Contains(t, out.String(), "usage: /switch <session-id>")
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfigSetGet(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, "config", "set", "provider.model", "deepseek-reasoner")
	require.NoError(t, err)
	assert.Contains(t, out, "provider.model")

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err = run(t, "config", "get", "provider.model")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-reasoner\n", out)

	_, err = run(t, "config", "set", "provider.api_key", "sk-secret-1234567890")
	require.NoError(t, err)

	out, err = run(t, "config", "get", "provider.api_key")
	require.NoError(t, err)
	assert.Equal(t, "****\n", out)

	out, err = run(t, "config", "get", "--reveal", "provider.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-1234567890\n", out)

	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret-1234567890")
	assert.Contains(t, out, "deepseek-reasoner")
}

func TestConfigSetRejectsBadValues(t *testing.T) {
	isolate(t)

	_, err := run(t, "config", "set", "no.such.key", "x")
	assert.ErrorIs(t, err, config.ErrUnknownKey)

	_, err = run(t, "config", "set", "storage.backend", "floppy")
	assert.Error(t, err)
}

func TestConfigPathAndExplicitFile(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml")+"\n", out)

	other := filepath.Join(t.TempDir(), "alt.toml")
	_, err = run(t, "--config", other, "config", "set", "log.level", "debug")
	require.NoError(t, err)

	out, err = run(t, "--config", other, "config", "get", "log.level")
	require.NoError(t, err)
	assert.Equal(t, "debug\n", out)

	_, err = run(t, "--config", other, "config", "set", "log.level", "nope")
	assert.Error(t, err)
}

func TestConfigKeys(t *testing.T) {
	isolate(t)

	out, err := run(t, "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "provider.api_key\n")
	assert.Contains(t, out, "server.allowed_origins")
}

// =============================================================================
// MEMORY
// =============================================================================

func TestMemoryReportJSON(t *testing.T) {
	isolate(t)

	out, err := run(t, "memory", "report", "--json")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.EqualValues(t, 1, report["samples"])
	assert.Contains(t, report, "level")
}
