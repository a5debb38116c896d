// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package assistant drives a conversation: it records the user's
// message, streams the provider's answer into the session store and
// publishes the response lifecycle on the event bus.
package assistant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/cache"
	"github.com/jeranaias/sidernav/internal/cloud"
	"github.com/jeranaias/sidernav/internal/events"
	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/memory"
	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/stream"
	"github.com/jeranaias/sidernav/internal/util"
)

// ChatRequestID is the request id every conversation stream runs under,
// so starting a new answer aborts the previous one.
const ChatRequestID = "chat"

type responseIDKey struct{}

// WithResponseID tags the lifecycle events of the answer SendMessage
// streams under ctx with id, so a listener can tell its own answer apart
// from one started by another caller.
func WithResponseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, responseIDKey{}, id)
}

func responseID(ctx context.Context) string {
	if id, ok := ctx.Value(responseIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// DefaultHistoryMessages is how many session messages are sent as context.
const DefaultHistoryMessages = 20

// AskRequestID is the request id one-shot streamed answers run under.
const AskRequestID = "ask"

// askCachePrefix namespaces cached one-shot answers.
const askCachePrefix = "ask_"

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Provider is the chat completions client.
type Provider interface {
	ChatStream(ctx context.Context, requestID string, messages []cloud.Message, onChunk, onThinking func(string)) error
	Chat(ctx context.Context, messages []cloud.Message) (string, error)
	Abort(requestID string) bool
	Model() string
}

// Options wires an Assistant.
type Options struct {
	Provider Provider
	Sessions *session.Store

	// Cache holds one-shot answers. Nil disables caching.
	Cache *cache.Manager[string]

	// Bus receives response events. Nil disables them.
	Bus *events.Bus

	// Scratch holds the last extracted page. Nil disables it.
	Scratch *memory.Scratch

	SystemPrompt    string
	HistoryMessages int
	Logger          logrus.FieldLogger
}

// Assistant runs one answer at a time.
type Assistant struct {
	provider     Provider
	sessions     *session.Store
	cache        *cache.Manager[string]
	bus          *events.Bus
	scratch      *memory.Scratch
	systemPrompt string
	history      int
	log          logrus.FieldLogger

	// run is held for the whole of an answer.
	run sync.Mutex

	mu             sync.Mutex
	sidebarVisible bool
}

// New creates an Assistant.
func New(opts Options) *Assistant {
	if opts.HistoryMessages <= 0 {
		opts.HistoryMessages = DefaultHistoryMessages
	}
	return &Assistant{
		provider:       opts.Provider,
		sessions:       opts.Sessions,
		cache:          opts.Cache,
		bus:            opts.Bus,
		scratch:        opts.Scratch,
		systemPrompt:   opts.SystemPrompt,
		history:        opts.HistoryMessages,
		log:            logging.OrDiscard(opts.Logger).WithField("component", "assistant"),
		sidebarVisible: true,
	}
}

// SendMessage records content as a user message and streams the answer
// into the current session. Any answer still streaming is aborted first.
//
// The returned message is the stored assistant answer; it is marked
// Cancelled when the stream was aborted, and is zero when the stream was
// aborted before any text arrived. Provider errors are recorded on the
// session store as a user-facing message and returned.
func (a *Assistant) SendMessage(ctx context.Context, content string) (session.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return session.Message{}, ErrEmptyMessage
	}

	a.provider.Abort(ChatRequestID)
	a.run.Lock()
	defer a.run.Unlock()

	if _, err := a.sessions.AddMessage(ctx, session.RoleUser, content); err != nil {
		// The message is still in memory; carry on with the answer.
		a.log.WithError(err).Warn("USER_MESSAGE_SAVE_FAILED")
	}

	sessionID := a.sessions.CurrentSessionID()
	respID := responseID(ctx)
	log := a.log.WithFields(logrus.Fields{"session": sessionID, "response": respID})
	history := a.buildHistory()

	a.sessions.StartResponse()
	a.emit(events.TypeResponseStart, map[string]any{"sessionId": sessionID, "responseId": respID})
	start := time.Now()

	var done, aborted bool
	onChunk := func(text string) {
		switch text {
		case stream.DoneSentinel:
			done = true
		case stream.AbortedSentinel:
			aborted = true
		default:
			a.sessions.AppendResponse(text)
			a.emit(events.TypeResponseChunk, map[string]any{"sessionId": sessionID, "responseId": respID, "content": text})
		}
	}
	onThinking := func(text string) {
		a.sessions.AppendThinking(text)
		a.emit(events.TypeThinkingChunk, map[string]any{"sessionId": sessionID, "responseId": respID, "content": text})
	}

	if err := a.provider.ChatStream(ctx, ChatRequestID, history, onChunk, onThinking); err != nil {
		msg := cloud.UserMessage(err)
		a.sessions.SetError(msg)
		a.emit(events.TypeResponseError, map[string]any{"sessionId": sessionID, "responseId": respID, "error": msg})
		log.WithError(err).Warn("RESPONSE_FAILED")
		return session.Message{}, err
	}

	reply, ok, err := a.sessions.FinishResponse(ctx, aborted)
	if err != nil {
		log.WithError(err).Warn("ASSISTANT_MESSAGE_SAVE_FAILED")
	}
	a.emit(events.TypeResponseEnd, map[string]any{
		"sessionId":  sessionID,
		"responseId": respID,
		"messageId":  reply.ID,
		"cancelled":  aborted,
	})
	log.WithFields(logrus.Fields{
		"done":     done,
		"aborted":  aborted,
		"stored":   ok,
		"chars":    len([]rune(reply.Content)),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("RESPONSE_FINISHED")
	return reply, nil
}

// StopGeneration aborts the answer being streamed. It reports whether
// one was running.
func (a *Assistant) StopGeneration() bool {
	stopped := a.provider.Abort(ChatRequestID)
	if stopped {
		a.log.Info("GENERATION_STOPPED")
	}
	return stopped
}

// Ask answers a single question without touching the sessions. Answers
// are cached per model and question.
func (a *Assistant) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyMessage
	}

	key := askCacheKey(a.provider.Model(), question)
	if a.cache != nil {
		if answer, ok := a.cache.Get(key); ok {
			a.log.Debug("ASK_CACHE_HIT")
			return answer, nil
		}
	}

	messages := lo.Compact([]cloud.Message{a.systemMessage(), {Role: cloud.RoleUser, Content: question}})
	answer, err := a.provider.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	if a.cache != nil && !a.cache.Set(key, answer) {
		a.log.Warn("ASK_CACHE_REJECTED")
	}
	return answer, nil
}

// AskStream is Ask with the answer delivered to onChunk as it arrives. A
// cached answer is delivered as one chunk. Only complete answers are
// cached; aborted reports whether ctx cut the stream short.
func (a *Assistant) AskStream(ctx context.Context, question string, onChunk func(string)) (answer string, aborted bool, err error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", false, ErrEmptyMessage
	}

	key := askCacheKey(a.provider.Model(), question)
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			a.log.Debug("ASK_CACHE_HIT")
			onChunk(cached)
			return cached, false, nil
		}
	}

	var sb strings.Builder
	messages := lo.Compact([]cloud.Message{a.systemMessage(), {Role: cloud.RoleUser, Content: question}})
	err = a.provider.ChatStream(ctx, AskRequestID, messages, func(text string) {
		switch text {
		case stream.DoneSentinel:
		case stream.AbortedSentinel:
			aborted = true
		default:
			sb.WriteString(text)
			onChunk(text)
		}
	}, func(string) {})
	if err != nil {
		return sb.String(), false, err
	}

	answer = sb.String()
	if !aborted && answer != "" && a.cache != nil && !a.cache.Set(key, answer) {
		a.log.Warn("ASK_CACHE_REJECTED")
	}
	return answer, aborted, nil
}

// InvalidateAnswers drops every cached one-shot answer.
func (a *Assistant) InvalidateAnswers() int {
	if a.cache == nil {
		return 0
	}
	return a.cache.DeletePrefix(askCachePrefix)
}

func askCacheKey(model, question string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + question))
	return askCachePrefix + hex.EncodeToString(sum[:16])
}

// buildHistory returns the system prompt followed by the last messages
// of the current session.
func (a *Assistant) buildHistory() []cloud.Message {
	var out []cloud.Message
	if sys := a.systemMessage(); sys != (cloud.Message{}) {
		out = append(out, sys)
	}
	cur, ok := a.sessions.CurrentSession()
	if !ok {
		return out
	}
	msgs := cur.Messages
	if len(msgs) > a.history {
		msgs = msgs[len(msgs)-a.history:]
	}
	for _, m := range msgs {
		if m.Role == session.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, cloud.Message{Role: cloud.Role(m.Role), Content: m.Content})
	}
	return out
}

func (a *Assistant) systemMessage() cloud.Message {
	if a.systemPrompt == "" {
		return cloud.Message{}
	}
	return cloud.Message{Role: cloud.RoleSystem, Content: a.systemPrompt}
}

func (a *Assistant) emit(eventType string, data map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Dispatch(events.Event{Type: eventType, Data: data, Timestamp: time.Now()})
}

// =============================================================================
// PAGE SUMMARIES
// =============================================================================

// MaxPageRunes bounds the page text sent for summarisation.
const MaxPageRunes = 8000

// pageScratchKey holds the last extracted page. The temp_ prefix lets an
// emergency memory cleanup drop it.
const pageScratchKey = "temp_page_content"

// PageContent is text extracted from a web page.
type PageContent struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SummarizePage asks for a summary of page in the current session.
func (a *Assistant) SummarizePage(ctx context.Context, page PageContent) (session.Message, error) {
	if strings.TrimSpace(page.Content) == "" {
		return session.Message{}, ErrEmptyMessage
	}
	if a.scratch != nil {
		a.scratch.Set(pageScratchKey, page)
	}
	a.log.WithFields(logrus.Fields{
		"url":   page.URL,
		"runes": util.RuneLen(page.Content),
	}).Info("PAGE_SUMMARY_REQUESTED")
	return a.SendMessage(ctx, SummaryPrompt(page))
}

// SummaryPrompt builds the summarisation prompt, truncating the page text
// to MaxPageRunes.
func SummaryPrompt(page PageContent) string {
	var sb strings.Builder
	sb.WriteString("请总结以下网页的主要内容：\n\n")
	if page.Title != "" {
		fmt.Fprintf(&sb, "标题：%s\n", page.Title)
	}
	if page.URL != "" {
		fmt.Fprintf(&sb, "网址：%s\n", page.URL)
	}
	sb.WriteString("\n内容：\n")
	sb.WriteString(util.TruncateRunes(strings.TrimSpace(page.Content), MaxPageRunes, "..."))
	return sb.String()
}

// LastPage returns the most recently summarised page.
func (a *Assistant) LastPage() (PageContent, bool) {
	if a.scratch == nil {
		return PageContent{}, false
	}
	v, ok := a.scratch.Get(pageScratchKey)
	if !ok {
		return PageContent{}, false
	}
	page, ok := v.(PageContent)
	return page, ok
}
