// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/sidernav/internal/util"
)

// Errors returned by Store lookups.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// DefaultTitle is used for new sessions and blank first messages.
const DefaultTitle = "新对话"

// titleRunes is how much of the first message becomes the title.
const titleRunes = 30

// Role is the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is one entry of a chat session. Timestamps are Unix
// milliseconds.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`

	// Cancelled marks an assistant answer that was stopped mid-stream.
	Cancelled bool `json:"cancelled,omitempty"`
}

// ChatSession is a titled list of messages.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// clone returns a deep copy. Messages is never nil so an empty session
// encodes as "messages":[].
func (s *ChatSession) clone() ChatSession {
	out := *s
	out.Messages = append(make([]Message, 0, len(s.Messages)), s.Messages...)
	return out
}

// ResponseState is the transient state of the answer being generated.
type ResponseState struct {
	IsLoading       bool   `json:"isLoading"`
	IsThinking      bool   `json:"isThinking"`
	CurrentResponse string `json:"currentResponse"`
	ThinkingContent string `json:"thinkingContent"`
	Error           string `json:"error,omitempty"`
}

// Stats summarises the store.
type Stats struct {
	Sessions     int       `json:"sessions"`
	Messages     int       `json:"messages"`
	PayloadBytes int       `json:"payload_bytes"`
	CurrentID    string    `json:"current_id"`
	LastCleanup  time.Time `json:"last_cleanup"`
}

// GenerateChatTitle derives a session title from the first user message:
// the first 30 characters plus "..." when longer, or DefaultTitle when
// blank.
func GenerateChatTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return DefaultTitle
	}
	return util.TruncateRunes(content, titleRunes, "...")
}

// newSessionID returns "<unixMillis>_<random>".
func newSessionID(now time.Time) string {
	return fmt.Sprintf("%d_%s", now.UnixMilli(), shortRandom())
}

// newMessageID returns "msg_<unixMillis>_<random>".
func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), shortRandom())
}

func shortRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}
