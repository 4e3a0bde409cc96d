// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"

	"github.com/jeranaias/veilchat/internal/model"
)

// =============================================================================
// EVENT NAMES
// =============================================================================

// Event names carried on the `event:` line of a frame.
const (
	EventData           = "data"
	EventReasoning      = "reasoning"
	EventStep           = "step"
	EventChatTitle      = "chat-title"
	EventMetrics        = "metrics"
	EventStreamComplete = "stream-complete"
)

// DoneSentinel is the data payload that ends a stream.
const DoneSentinel = "[DONE]"

// =============================================================================
// FRAME TYPES
// =============================================================================

// Frame is one typed event decoded from the response body. The concrete
// types in this package are the only implementations.
type Frame interface {
	// Kind names the frame variant for logs and metrics.
	Kind() string
	isFrame()
}

// ContentFrame carries a plaintext piece of the reply, possibly containing
// reasoning markers.
type ContentFrame struct {
	Content string
}

// EncryptedContentFrame carries an encrypted piece of the reply.
// EncapsulatedKey is only present on the first encrypted frame of a stream.
type EncryptedContentFrame struct {
	Ciphertext      []byte
	IV              []byte
	EncapsulatedKey []byte
}

// SuggestionsFrame carries follow-up prompts offered after the reply.
type SuggestionsFrame struct {
	Suggestions []string
}

// ServerErrorFrame is an inline error reported by the server mid-stream.
type ServerErrorFrame struct {
	Message string
}

// DoneFrame marks the end of the stream.
type DoneFrame struct{}

// ReasoningFrame carries an incremental reasoning delta.
type ReasoningFrame struct {
	Reasoning string
}

// StepFrame carries one validated activity step.
type StepFrame struct {
	Step model.Step
}

// TitleFrame carries the encrypted conversation title.
type TitleFrame struct {
	EncryptedTitle  []byte
	IV              []byte
	EncapsulatedKey []byte
}

// MetricsFrame carries generation figures for the reply.
type MetricsFrame struct {
	Metrics model.Metrics
}

// StreamCompleteFrame is advisory. It does not end the read loop.
type StreamCompleteFrame struct{}

func (ContentFrame) Kind() string          { return "content" }
func (EncryptedContentFrame) Kind() string { return "encrypted-content" }
func (SuggestionsFrame) Kind() string      { return "suggestions" }
func (ServerErrorFrame) Kind() string      { return "server-error" }
func (DoneFrame) Kind() string             { return "done" }
func (ReasoningFrame) Kind() string        { return EventReasoning }
func (StepFrame) Kind() string             { return EventStep }
func (TitleFrame) Kind() string            { return EventChatTitle }
func (MetricsFrame) Kind() string          { return EventMetrics }
func (StreamCompleteFrame) Kind() string   { return EventStreamComplete }

func (ContentFrame) isFrame()          {}
func (EncryptedContentFrame) isFrame() {}
func (SuggestionsFrame) isFrame()      {}
func (ServerErrorFrame) isFrame()      {}
func (DoneFrame) isFrame()             {}
func (ReasoningFrame) isFrame()        {}
func (StepFrame) isFrame()             {}
func (TitleFrame) isFrame()            {}
func (MetricsFrame) isFrame()          {}
func (StreamCompleteFrame) isFrame()   {}

// =============================================================================
// ERRORS
// =============================================================================

// ErrFrameParse matches every ParseError.
var ErrFrameParse = errors.New("frame parse error")

// ParseError describes one frame that was dropped because its body did not
// match the schema for its event type.
type ParseError struct {
	Event string
	Data  string
	Err   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("frame parse error (event %q): %v", e.Event, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is allows ParseError to be compared with ErrFrameParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrFrameParse
}
