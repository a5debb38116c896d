// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/storage"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config bounds a Store.
type Config struct {
	MaxSessions           int
	MaxMessagesPerSession int

	// MaxPayloadBytes triggers a forced trim before a save when the
	// serialized sessions are larger.
	MaxPayloadBytes int

	EmergencyKeepSessions int
	EmergencyKeepMessages int

	Logger logrus.FieldLogger

	// Now is injectable for tests.
	Now func() time.Time
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxSessions:           50,
		MaxMessagesPerSession: 100,
		MaxPayloadBytes:       5 << 20,
		EmergencyKeepSessions: 3,
		EmergencyKeepMessages: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.MaxMessagesPerSession <= 0 {
		c.MaxMessagesPerSession = d.MaxMessagesPerSession
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.EmergencyKeepSessions <= 0 {
		c.EmergencyKeepSessions = d.EmergencyKeepSessions
	}
	if c.EmergencyKeepMessages <= 0 {
		c.EmergencyKeepMessages = d.EmergencyKeepMessages
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// globalLimit is the message budget across all sessions.
func (c Config) globalLimit() int {
	return int(float64(c.MaxSessions*c.MaxMessagesPerSession) * 0.8)
}

// sessionFloor is the fewest messages global eviction leaves in a session.
func (c Config) sessionFloor() int {
	return max(5, int(float64(c.MaxMessagesPerSession)*0.3))
}

// =============================================================================
// STORE
// =============================================================================

// Store owns the session list and the current-session pointer.
type Store struct {
	// saveMu serialises writes so an older snapshot never lands after a
	// newer one. It is always acquired before mu.
	saveMu sync.Mutex

	mu          sync.Mutex
	cfg         Config
	backend     storage.Backend
	log         logrus.FieldLogger
	sessions    []*ChatSession
	currentID   string
	response    ResponseState
	lastCleanup time.Time
}

// NewStore creates an empty store. Call LoadSessions to restore state.
func NewStore(backend storage.Backend, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:     cfg,
		backend: backend,
		log:     logging.OrDiscard(cfg.Logger).WithField("component", "session"),
	}
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// CreateNewSession prepends a new empty session, makes it current and
// persists. It returns the new id.
func (s *Store) CreateNewSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.createLocked()
	s.mu.Unlock()

	s.log.WithField("session", id).Debug("SESSION_CREATED")
	return id, s.SaveSessions(ctx)
}

func (s *Store) createLocked() string {
	now := s.cfg.Now()
	sess := &ChatSession{
		ID:        newSessionID(now),
		Title:     DefaultTitle,
		Messages:  []Message{},
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	s.sessions = append([]*ChatSession{sess}, s.sessions...)
	s.currentID = sess.ID
	return sess.ID
}

// AddMessage appends a message to the current session, creating one if
// needed. All caps are enforced before it returns; the returned error
// only reports a failed save, and the message is kept in memory either
// way.
func (s *Store) AddMessage(ctx context.Context, role Role, content string) (Message, error) {
	msg, err := s.addMessage(role, content, false)
	if err != nil {
		return Message{}, err
	}
	return msg, s.SaveSessions(ctx)
}

func (s *Store) addMessage(role Role, content string, cancelled bool) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked()
	if sess == nil {
		s.createLocked()
		sess = s.currentLocked()
	}

	now := s.cfg.Now()
	msg := Message{
		ID:        newMessageID(now),
		Role:      role,
		Content:   content,
		Timestamp: now.UnixMilli(),
		Cancelled: cancelled,
	}
	if len(sess.Messages) == 0 && role == RoleUser {
		sess.Title = GenerateChatTitle(content)
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = now.UnixMilli()

	s.enforceLimitsLocked()
	return msg, nil
}

// SwitchSession makes id the current session.
func (s *Store) SwitchSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.findLocked(id) < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.currentID = id
	s.mu.Unlock()
	return s.SaveSessions(ctx)
}

// DeleteSession removes a session. Deleting the current session moves
// the pointer to the first remaining session, or clears it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.findLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.sessions = slices.Delete(s.sessions, idx, idx+1)
	if s.currentID == id {
		s.currentID = ""
		if len(s.sessions) > 0 {
			s.currentID = s.sessions[0].ID
		}
	}
	s.mu.Unlock()

	s.log.WithField("session", id).Debug("SESSION_DELETED")
	return s.SaveSessions(ctx)
}

// DeleteMessage removes a message from whichever session holds it.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	found := false
	for _, sess := range s.sessions {
		if i := slices.IndexFunc(sess.Messages, func(m Message) bool { return m.ID == id }); i >= 0 {
			sess.Messages = slices.Delete(sess.Messages, i, i+1)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return s.SaveSessions(ctx)
}

// ClearAll removes every session.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.sessions = nil
	s.currentID = ""
	s.mu.Unlock()
	return s.SaveSessions(ctx)
}

// =============================================================================
// QUERIES
// =============================================================================

// Sessions returns copies of all sessions, most recent first.
func (s *Store) Sessions() []ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.sessions, func(sess *ChatSession, _ int) ChatSession { return sess.clone() })
}

// Session returns a copy of the session with the given id.
func (s *Store) Session(id string) (ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findLocked(id)
	if idx < 0 {
		return ChatSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.sessions[idx].clone(), nil
}

// CurrentSession returns a copy of the current session.
func (s *Store) CurrentSession() (ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.currentLocked()
	if sess == nil {
		return ChatSession{}, false
	}
	return sess.clone(), true
}

// CurrentSessionID returns the current session id or "".
func (s *Store) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Stats reports counts and the serialized size of the sessions.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, _ := json.Marshal(s.sessions)
	return Stats{
		Sessions:     len(s.sessions),
		Messages:     s.totalMessagesLocked(),
		PayloadBytes: len(payload),
		CurrentID:    s.currentID,
		LastCleanup:  s.lastCleanup,
	}
}

func (s *Store) findLocked(id string) int {
	return slices.IndexFunc(s.sessions, func(sess *ChatSession) bool { return sess.ID == id })
}

func (s *Store) currentLocked() *ChatSession {
	if s.currentID == "" {
		return nil
	}
	if idx := s.findLocked(s.currentID); idx >= 0 {
		return s.sessions[idx]
	}
	return nil
}

func (s *Store) totalMessagesLocked() int {
	return lo.SumBy(s.sessions, func(sess *ChatSession) int { return len(sess.Messages) })
}

// =============================================================================
// LIMITS
// =============================================================================

func (s *Store) enforceLimitsLocked() {
	for _, sess := range s.sessions {
		s.enforceSessionCapLocked(sess)
	}
	s.enforceGlobalCapLocked()
	s.enforceSessionCountLocked()
}

// enforceSessionCapLocked keeps the most recent MaxMessagesPerSession.
func (s *Store) enforceSessionCapLocked(sess *ChatSession) {
	if over := len(sess.Messages) - s.cfg.MaxMessagesPerSession; over > 0 {
		sess.Messages = append([]Message(nil), sess.Messages[over:]...)
		s.log.WithFields(logrus.Fields{"session": sess.ID, "dropped": over}).Debug("SESSION_MESSAGES_TRIMMED")
	}
}

// enforceGlobalCapLocked trims the oldest messages of the least recently
// updated sessions until the total fits.
func (s *Store) enforceGlobalCapLocked() {
	excess := s.totalMessagesLocked() - s.cfg.globalLimit()
	if excess <= 0 {
		return
	}
	floor := s.cfg.sessionFloor()
	dropped := 0
	for _, sess := range s.byUpdatedLocked(true) {
		if excess <= 0 {
			break
		}
		removable := len(sess.Messages) - floor
		if removable <= 0 {
			continue
		}
		n := min(removable, excess)
		sess.Messages = append([]Message(nil), sess.Messages[n:]...)
		excess -= n
		dropped += n
	}
	if dropped > 0 {
		s.log.WithFields(logrus.Fields{"dropped": dropped, "limit": s.cfg.globalLimit()}).Info("GLOBAL_MESSAGE_CAP_ENFORCED")
	}
}

// enforceSessionCountLocked drops the least recently updated sessions
// beyond MaxSessions.
func (s *Store) enforceSessionCountLocked() {
	if len(s.sessions) <= s.cfg.MaxSessions {
		return
	}
	s.keepNewestLocked(s.cfg.MaxSessions)
}

// keepNewestLocked keeps the n most recently updated sessions in their
// list order and repairs the current pointer.
func (s *Store) keepNewestLocked(n int) {
	ranked := s.byUpdatedLocked(false)
	if len(ranked) <= n {
		return
	}
	keep := lo.SliceToMap(ranked[:n], func(sess *ChatSession) (string, bool) { return sess.ID, true })
	dropped := len(s.sessions) - n
	s.sessions = lo.Filter(s.sessions, func(sess *ChatSession, _ int) bool { return keep[sess.ID] })

	if s.currentID != "" && !keep[s.currentID] {
		s.currentID = ""
		if n > 0 {
			s.currentID = ranked[0].ID
		}
	}
	s.log.WithFields(logrus.Fields{"dropped": dropped, "kept": n}).Info("SESSIONS_EVICTED")
}

// byUpdatedLocked orders sessions by UpdatedAt, oldest first when asc.
// Ties fall back to list position, where earlier means more recent.
func (s *Store) byUpdatedLocked(asc bool) []*ChatSession {
	out := slices.Clone(s.sessions)
	if asc {
		slices.Reverse(out)
		slices.SortStableFunc(out, func(a, b *ChatSession) int { return cmp.Compare(a.UpdatedAt, b.UpdatedAt) })
		return out
	}
	slices.SortStableFunc(out, func(a, b *ChatSession) int { return cmp.Compare(b.UpdatedAt, a.UpdatedAt) })
	return out
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// SaveSessions re-enforces the caps and writes the sessions and current
// id. A payload over MaxPayloadBytes is trimmed first. A quota failure
// runs the emergency cleanup instead of returning an error.
func (s *Store) SaveSessions(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.enforceLimitsLocked()
	payload, err := json.Marshal(s.sessions)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode sessions: %w", err)
	}
	if len(payload) > s.cfg.MaxPayloadBytes {
		s.forcedCleanupLocked(len(payload))
		if payload, err = json.Marshal(s.sessions); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encode sessions: %w", err)
		}
	}
	currentID := s.currentID
	cleanedAt := s.lastCleanup
	s.mu.Unlock()

	err = s.write(ctx, payload, currentID, cleanedAt)
	if errors.Is(err, storage.ErrQuotaExceeded) {
		s.log.WithError(err).Warn("SESSION_SAVE_QUOTA_EXCEEDED")
		s.emergencyCleanupLocked(ctx)
		return nil
	}
	if err != nil {
		s.log.WithError(err).Error("SESSION_SAVE_FAILED")
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

// forcedCleanupLocked halves both bounds.
func (s *Store) forcedCleanupLocked(payloadBytes int) {
	keepMessages := max(1, s.cfg.MaxMessagesPerSession/2)
	s.keepNewestLocked(max(1, s.cfg.MaxSessions/2))
	for _, sess := range s.sessions {
		if over := len(sess.Messages) - keepMessages; over > 0 {
			sess.Messages = append([]Message(nil), sess.Messages[over:]...)
		}
	}
	s.lastCleanup = s.cfg.Now()
	s.log.WithFields(logrus.Fields{
		"payload_bytes": payloadBytes,
		"limit":         s.cfg.MaxPayloadBytes,
		"sessions":      len(s.sessions),
	}).Warn("SESSION_PAYLOAD_TRIMMED")
}

// write stores the three session records. lastCleanupTime is only
// written once a cleanup has happened.
func (s *Store) write(ctx context.Context, payload []byte, currentID string, cleanedAt time.Time) error {
	if err := s.backend.Set(ctx, storage.KeyChatSessions, payload); err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, s.backend, storage.KeyCurrentSessionID, currentID); err != nil {
		return err
	}
	if !cleanedAt.IsZero() {
		if err := storage.SetJSON(ctx, s.backend, storage.KeyLastCleanupTime, cleanedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}

// EmergencyCleanup keeps the current session plus the most recently
// updated others up to EmergencyKeepSessions, each trimmed to its last
// EmergencyKeepMessages, clears the response buffers and tries to save.
// Failures are logged only.
func (s *Store) EmergencyCleanup(ctx context.Context) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.emergencyCleanupLocked(ctx)
}

// emergencyCleanupLocked requires saveMu.
func (s *Store) emergencyCleanupLocked(ctx context.Context) {
	s.mu.Lock()
	before := len(s.sessions)

	var kept []*ChatSession
	if cur := s.currentLocked(); cur != nil {
		kept = append(kept, cur)
	}
	for _, sess := range s.byUpdatedLocked(false) {
		if len(kept) >= s.cfg.EmergencyKeepSessions {
			break
		}
		if sess.ID != s.currentID {
			kept = append(kept, sess)
		}
	}
	keep := lo.SliceToMap(kept, func(sess *ChatSession) (string, bool) { return sess.ID, true })
	s.sessions = lo.Filter(s.sessions, func(sess *ChatSession, _ int) bool { return keep[sess.ID] })
	for _, sess := range s.sessions {
		if over := len(sess.Messages) - s.cfg.EmergencyKeepMessages; over > 0 {
			sess.Messages = append([]Message(nil), sess.Messages[over:]...)
		}
	}
	if s.currentLocked() == nil {
		s.currentID = ""
		if len(s.sessions) > 0 {
			s.currentID = s.sessions[0].ID
		}
	}
	s.response.CurrentResponse = ""
	s.response.ThinkingContent = ""
	s.lastCleanup = s.cfg.Now()

	payload, err := json.Marshal(s.sessions)
	currentID, cleanedAt, after := s.currentID, s.lastCleanup, len(s.sessions)
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"before": before, "after": after})
	if err == nil {
		err = s.write(ctx, payload, currentID, cleanedAt)
	}
	if err != nil {
		log.WithError(err).Error("EMERGENCY_CLEANUP_SAVE_FAILED")
		return
	}
	log.Warn("EMERGENCY_CLEANUP_COMPLETED")
}

// LoadSessions restores sessions and the current id from the backend,
// re-applies the caps and repairs a dangling current id.
func (s *Store) LoadSessions(ctx context.Context) error {
	var sessions []*ChatSession
	if err := storage.GetJSON(ctx, s.backend, storage.KeyChatSessions, &sessions); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load sessions: %w", err)
	}
	var currentID string
	if err := storage.GetJSON(ctx, s.backend, storage.KeyCurrentSessionID, &currentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load current session: %w", err)
	}
	var cleanedAt int64
	if err := storage.GetJSON(ctx, s.backend, storage.KeyLastCleanupTime, &cleanedAt); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.WithError(err).Warn("LAST_CLEANUP_TIME_UNREADABLE")
	}

	sessions = lo.Filter(sessions, func(sess *ChatSession, _ int) bool { return sess != nil && sess.ID != "" })
	for _, sess := range sessions {
		if sess.Messages == nil {
			sess.Messages = []Message{}
		}
		if strings.TrimSpace(sess.Title) == "" {
			sess.Title = DefaultTitle
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
	s.currentID = currentID
	if cleanedAt > 0 {
		s.lastCleanup = time.UnixMilli(cleanedAt)
	}
	s.enforceLimitsLocked()
	if s.currentLocked() == nil {
		s.currentID = ""
		if len(s.sessions) > 0 {
			s.currentID = s.sessions[0].ID
		}
	}

	s.log.WithFields(logrus.Fields{
		"sessions": len(s.sessions),
		"messages": s.totalMessagesLocked(),
	}).Info("SESSIONS_LOADED")
	return nil
}

// =============================================================================
// RESPONSE STATE
// =============================================================================

// StartResponse resets the response state for a new answer.
func (s *Store) StartResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = ResponseState{IsLoading: true}
}

// AppendResponse appends answer text. The first answer text ends the
// thinking phase.
func (s *Store) AppendResponse(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response.CurrentResponse += text
	s.response.IsThinking = false
}

// AppendThinking appends reasoning text.
func (s *Store) AppendThinking(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response.ThinkingContent += text
	s.response.IsThinking = true
}

// SetError records a user-facing error and ends loading and thinking.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = ResponseState{Error: msg}
}

// Response returns the current response state.
func (s *Store) Response() ResponseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// FinishResponse turns the accumulated answer into an assistant message
// and clears the response state. A cancelled answer is kept and marked;
// an empty answer adds nothing. ok is false when no message was added.
func (s *Store) FinishResponse(ctx context.Context, cancelled bool) (msg Message, ok bool, err error) {
	s.mu.Lock()
	text := s.response.CurrentResponse
	s.response = ResponseState{}
	s.mu.Unlock()

	if text == "" {
		return Message{}, false, nil
	}
	msg, err = s.addMessage(RoleAssistant, text, cancelled)
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, s.SaveSessions(ctx)
}
