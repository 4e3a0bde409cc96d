// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
)

// =============================================================================
// CONTROLLER STATE
// =============================================================================

// State is the controller's position in the turn lifecycle.
//
//	Idle -> Sending -> Streaming -> Finalizing -> Idle
//	                            \-> Cancelled  -> Idle
//	                            \-> Errored    -> Idle
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateFinalizing
	StateCancelled
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a stream owns the conversation.
func (s State) Active() bool {
	return s != StateIdle
}

// =============================================================================
// TURN OUTCOME
// =============================================================================

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeErrored   Outcome = "errored"
)

// TurnResult summarises a finished turn.
type TurnResult struct {
	Outcome         Outcome
	Err             error
	RequestID       string
	DroppedFrames   int
	DecryptFailures int
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrStreamActive is returned for operations attempted while a stream owns
// the conversation.
var ErrStreamActive = errors.New("a stream is already active for this conversation")

// ErrEmptyMessage is returned when submitting blank text.
var ErrEmptyMessage = errors.New("message is empty")

// StreamReadError reports a connection that failed mid-stream, preserving
// the answer text received before the failure.
type StreamReadError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamReadError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream read error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream read error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamReadError) Unwrap() error {
	return e.Err
}

// ServerError is an error the server reported inside the stream.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
