// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// FEEDBACK AND STATUS
// =============================================================================

// Feedback is the user's rating of an assistant reply.
type Feedback string

const (
	FeedbackNone    Feedback = ""
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// Valid reports whether f is one of the known feedback values.
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackNone, FeedbackLike, FeedbackDislike:
		return true
	}
	return false
}

// Status describes how the content of a message came to be.
// Only complete messages are part of the authoritative history that is
// sent back to the server.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusStreaming Status = "streaming"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
)

// Authoritative reports whether a message with this status may be used as
// server-side history.
func (s Status) Authoritative() bool {
	return s == StatusComplete || s == ""
}

// =============================================================================
// SUPPORTING TYPES
// =============================================================================

// Source is one citation attached to an assistant reply.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Metrics holds the server-reported generation figures for a reply.
// Values are passed through as reported; TTFT and TotalTime are seconds.
type Metrics struct {
	TTFT      float64 `json:"ttft"`
	TPS       float64 `json:"tps"`
	TotalTime float64 `json:"total_time"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one turn in a conversation.
//
// ParentID is a lookup-only reference into the owning Conversation's arena.
// An empty ParentID marks a root message.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Displayed content (mirrors the selected version)
	Content           string        `json:"content"`
	Model             string        `json:"model,omitempty"`
	Metrics           *Metrics      `json:"metrics,omitempty"`
	Sources           []Source      `json:"sources,omitempty"`
	Reasoning         string        `json:"reasoning,omitempty"`
	ReasoningDuration time.Duration `json:"reasoning_duration_ns,omitempty"`
	Steps             []Step        `json:"steps,omitempty"`
	Suggestions       []string      `json:"suggestions,omitempty"`

	// User rating
	Feedback Feedback `json:"feedback,omitempty"`

	// Version history. Empty means the message has a single implicit
	// version built from the fields above.
	Versions            []MessageVersion `json:"versions,omitempty"`
	CurrentVersionIndex int              `json:"current_version_index"`

	// Outcome of the turn that produced this message
	Status        Status `json:"status,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Live display state (not persisted)
	IsThinking bool `json:"-"`
}

// NewMessage creates a complete message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        GenerateID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    StatusComplete,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewPlaceholder creates the thinking assistant message that a stream
// fills in.
func NewPlaceholder(model string) *Message {
	return &Message{
		ID:         GenerateID(),
		Role:       RoleAssistant,
		Model:      model,
		CreatedAt:  time.Now(),
		Status:     StatusStreaming,
		IsThinking: true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// VersionCount returns the number of versions, counting the implicit
// version of a message that has never been regenerated.
func (m *Message) VersionCount() int {
	if len(m.Versions) == 0 {
		return 1
	}
	return len(m.Versions)
}

// Authoritative reports whether the message is confirmed server history.
func (m *Message) Authoritative() bool {
	return m.Status.Authoritative()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Metrics != nil {
		metrics := *m.Metrics
		c.Metrics = &metrics
	}
	c.Sources = cloneSources(m.Sources)
	c.Steps = cloneSteps(m.Steps)
	c.Suggestions = cloneStrings(m.Suggestions)
	if m.Versions != nil {
		c.Versions = make([]MessageVersion, len(m.Versions))
		for i, v := range m.Versions {
			c.Versions[i] = v.clone()
		}
	}
	return &c
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GenerateID creates a unique client-side message ID.
func GenerateID() string {
	return "msg_" + uuid.NewString()
}

func cloneSources(in []Source) []Source {
	if in == nil {
		return nil
	}
	out := make([]Source, len(in))
	copy(out, in)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
