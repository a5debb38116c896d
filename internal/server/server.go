// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/app"
	"github.com/jeranaias/sidernav/internal/assistant"
	"github.com/jeranaias/sidernav/internal/cache"
	"github.com/jeranaias/sidernav/internal/events"
	"github.com/jeranaias/sidernav/internal/export"
	"github.com/jeranaias/sidernav/internal/memory"
	"github.com/jeranaias/sidernav/internal/resource"
	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/stream"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxRequestBodySize is the maximum allowed request body size (1 MiB).
	MaxRequestBodySize = 1 << 20

	// eventBuffer is the per-client SSE backlog before events are dropped.
	eventBuffer = 64

	// keepAliveInterval spaces SSE comments on idle event streams.
	keepAliveInterval = 15 * time.Second

	// shutdownTimeout bounds graceful shutdown when run as a cleanup.
	shutdownTimeout = 5 * time.Second
)

// Version is reported by /health.
var Version = "0.1.0"

// =============================================================================
// TYPES
// =============================================================================

// ServerStats tracks bridge usage.
type ServerStats struct {
	TotalRequests int64     `json:"total_requests"`
	ChatRequests  int64     `json:"chat_requests"`
	ChatAborted   int64     `json:"chat_aborted"`
	ChatErrors    int64     `json:"chat_errors"`
	Messages      int64     `json:"messages"`
	StartTime     time.Time `json:"start_time"`
}

type serverStats struct {
	total, chats, aborted, errors, messages atomic.Int64
	start                                   time.Time
}

func (s *serverStats) snapshot() ServerStats {
	return ServerStats{
		TotalRequests: s.total.Load(),
		ChatRequests:  s.chats.Load(),
		ChatAborted:   s.aborted.Load(),
		ChatErrors:    s.errors.Load(),
		Messages:      s.messages.Load(),
		StartTime:     s.start,
	}
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status     string       `json:"status"`
	Version    string       `json:"version"`
	Model      string       `json:"model"`
	Configured bool         `json:"configured"`
	Memory     memory.Level `json:"memory"`
	Uptime     string       `json:"uptime"`
}

// StatsResponse is returned by /stats.
type StatsResponse struct {
	Server    ServerStats    `json:"server"`
	Cache     cache.Stats    `json:"cache"`
	Memory    memory.Report  `json:"memory"`
	Resources resource.Stats `json:"resources"`
	Sessions  session.Stats  `json:"sessions"`
	Requests  int            `json:"active_requests"`
}

// SessionSummary describes a session without its messages.
type SessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Messages  int    `json:"messages"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	Current   bool   `json:"current"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	CurrentID string           `json:"currentId"`
	Sessions  []SessionSummary `json:"sessions"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Content string `json:"content"`

	// NewSession starts a fresh session before sending.
	NewSession bool `json:"newSession,omitempty"`
}

// Options configure a Server.
type Options struct {
	Addr              string
	Token             string
	AllowedOrigins    []string
	RequestsPerMinute int
}

// Server is the local HTTP bridge.
type Server struct {
	app     *app.App
	addr    string
	handler http.Handler
	limiter *RateLimiter
	log     logrus.FieldLogger
	stats   serverStats

	// ctx outlives individual requests; background work started by a
	// request is cancelled when the server shuts down.
	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cleanup  resource.CleanupID
}

// New builds the bridge over a and registers its shutdown with
// a.Resources.
func New(a *app.App, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    a,
		addr:   lo.Ternary(opts.Addr != "", opts.Addr, "127.0.0.1:8765"),
		log:    a.Log.WithField("component", "server"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.stats.start = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /sessions/{id}/export", s.handleExportSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /messages", s.handleMessage)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stop", s.handleStop)

	cors := DefaultCORSConfig()
	if len(opts.AllowedOrigins) > 0 {
		cors.AllowedOrigins = opts.AllowedOrigins
	}
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		s.countRequests,
		LoggingMiddleware(s.log),
		SecurityHeadersMiddleware(),
		CORSMiddleware(cors),
		AuthMiddleware(opts.Token, s.log),
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = NewRateLimiter(opts.RequestsPerMinute, time.Minute)
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.log))
	}
	s.handler = Chain(middlewares...)(mux)

	s.cleanup = a.Resources.AddCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("SERVER_SHUTDOWN_FAILED")
		}
	})
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listening address once started, or the configured
// address before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		l.Close()
		return http.ErrServerClosed
	}
	s.server, s.listener = srv, l
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"addr": l.Addr().String(), "version": Version}).Info("SERVER_START")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, aborts running answers so their
// streams end, and waits for handlers and background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	s.cancel()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.app.Assistant.StopGeneration()
	s.app.Resources.RemoveCleanup(s.cleanup)

	var err error
	if srv != nil {
		s.log.Info("SERVER_SHUTDOWN")
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    Version,
		Model:      s.app.Client.Model(),
		Configured: s.app.Client.IsConfigured(),
		Memory:     s.app.Monitor.LastLevel(),
		Uptime:     time.Since(s.stats.start).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Server:    s.stats.snapshot(),
		Cache:     s.app.Cache.Stats(),
		Memory:    s.app.Monitor.GenerateMemoryReport(),
		Resources: s.app.Resources.Stats(),
		Sessions:  s.app.Sessions.Stats(),
		Requests:  s.app.Requests.Len(),
	})
}

// handleEvents streams bus events as SSE. ?type= may be repeated to
// filter; all events are sent otherwise.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	types := lo.Compact(r.URL.Query()["type"])
	ch := s.app.Bus.Subscribe(r.Context(), eventBuffer, types...)

	startSSE(w, rc)
	s.log.WithField("types", types).Debug("EVENT_STREAM_OPENED")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.WithError(err).WithField("type", ev.Type).Warn("EVENT_ENCODE_FAILED")
				continue
			}
			if err := writeEvent(w, rc, ev.Type, string(data)); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	current := s.app.Sessions.CurrentSessionID()
	summaries := lo.Map(s.app.Sessions.Sessions(), func(cs session.ChatSession, _ int) SessionSummary {
		return SessionSummary{
			ID:        cs.ID,
			Title:     cs.Title,
			Messages:  len(cs.Messages),
			CreatedAt: cs.CreatedAt,
			UpdatedAt: cs.UpdatedAt,
			Current:   cs.ID == current,
		}
	})
	writeJSON(w, http.StatusOK, SessionsResponse{CurrentID: current, Sessions: summaries})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	cs, err := s.app.Sessions.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// handleExportSession renders a session as a download. ?format= takes
// markdown (default), html or json.
func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	exporter, err := export.ForFormat(format, nil)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	cs, err := s.app.Sessions.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	body, err := exporter.Export(&cs)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", exporter.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cs.ID+exporter.FileExtension()))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.Sessions.DeleteSession(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.log.WithField("session", id).Info("SESSION_DELETED")
	w.WriteHeader(http.StatusNoContent)
}

// handleMessage dispatches a cross-component message. Page summaries
// stream through the bus, so they run in the background and the request
// returns 202.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg assistant.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	s.stats.messages.Add(1)

	if msg.Type == assistant.MsgPageContentExtracted {
		var page assistant.PageContent
		if err := json.Unmarshal(msg.Payload, &page); err != nil {
			writeError(w, http.StatusBadRequest, "invalid page content: "+err.Error())
			return
		}
		if strings.TrimSpace(page.Content) == "" {
			writeError(w, http.StatusBadRequest, "page content is empty")
			return
		}
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			if _, err := s.app.Assistant.SummarizePage(s.ctx, page); err != nil {
				s.log.WithError(err).Warn("PAGE_SUMMARY_FAILED")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
		return
	}

	reply, err := s.app.Assistant.HandleMessage(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleChat sends a message and streams the answer as SSE:
//
//	data: {"content":"..."}            answer text
//	event: thinking / data: {...}      reasoning text
//	event: error / data: {"error":...} provider failure
//	data: [DONE] or data: [ABORTED]    end of stream
//
// Closing the connection aborts the answer.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	s.stats.chats.Add(1)

	if req.NewSession {
		if _, err := s.app.Sessions.CreateNewSession(r.Context()); err != nil {
			s.log.WithError(err).Warn("SESSION_SAVE_FAILED")
		}
	}

	rc := http.NewResponseController(w)
	startSSE(w, rc)

	// Another caller's answer may be streaming or queued behind ours;
	// only events tagged with our response id are relayed.
	respID := uuid.NewString()
	var (
		mu   sync.Mutex
		gone bool
	)
	relay := func(event, data string) {
		mu.Lock()
		defer mu.Unlock()
		if gone {
			return
		}
		if err := writeEvent(w, rc, event, data); err != nil {
			gone = true
		}
	}
	remove := s.app.Bus.AddEventListener(events.TypeAll, func(ev events.Event) {
		if ev.Type != events.TypeResponseChunk && ev.Type != events.TypeThinkingChunk {
			return
		}
		fields, _ := ev.Data.(map[string]any)
		if id, _ := fields["responseId"].(string); id != respID {
			return
		}
		content, _ := fields["content"].(string)
		data, _ := json.Marshal(map[string]string{"content": content})
		relay(lo.Ternary(ev.Type == events.TypeThinkingChunk, "thinking", ""), string(data))
	})

	reply, err := s.app.Assistant.SendMessage(assistant.WithResponseID(r.Context(), respID), req.Content)
	remove()

	switch {
	case err != nil:
		s.stats.errors.Add(1)
		msg := s.app.Sessions.Response().Error
		if msg == "" {
			msg = err.Error()
		}
		data, _ := json.Marshal(map[string]string{"error": msg})
		relay("error", string(data))
	case reply.Cancelled || reply.ID == "":
		s.stats.aborted.Add(1)
		relay("", stream.AbortedSentinel)
	default:
		relay("", stream.DoneSentinel)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stopped": s.app.Assistant.StopGeneration()})
}

// countRequests feeds ServerStats.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.stats.total.Add(1)
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a {"error": message} response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a size-limited JSON body, writing the error response
// itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, assistant.ErrNoPage):
		return http.StatusNotFound
	case errors.Is(err, export.ErrEmptySession):
		return http.StatusNotFound
	case errors.Is(err, assistant.ErrUnknownMessage), errors.Is(err, assistant.ErrEmptyMessage),
		errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// startSSE writes event-stream headers and clears the write deadline so
// long answers are not cut off.
func startSSE(w http.ResponseWriter, rc *http.ResponseController) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()
}

// writeEvent writes one SSE event and flushes it. An empty event name
// produces a plain data line.
func writeEvent(w io.Writer, rc *http.ResponseController, event, data string) error {
	var sb strings.Builder
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	return rc.Flush()
}
