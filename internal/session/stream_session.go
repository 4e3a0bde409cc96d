// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"time"

	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/security"
	"github.com/jeranaias/veilchat/internal/stream"
)

// =============================================================================
// STREAM SESSION
// =============================================================================

// StreamSession is the per-stream state of one turn: its parser, splitter,
// decryption key, render scheduler and accumulated content. A new one is
// created for every Submit, Edit or Regenerate and discarded when the turn
// ends; nothing in it outlives the stream.
type StreamSession struct {
	ctx    context.Context
	cancel *cancelManager

	user       *model.Message
	assistant  *model.Message
	regenerate bool
	userPrior  model.Status

	demux      *stream.Demultiplexer
	splitter   *stream.Splitter
	scheduler  *stream.Scheduler
	sessionKey *security.SessionKey
	state      turnState

	started         time.Time
	requestID       string
	decryptFailures int

	result TurnResult
	done   chan struct{}
}

// UserID returns the id of the turn's user message.
func (s *StreamSession) UserID() string {
	return s.user.ID
}

// AssistantID returns the id of the assistant message being streamed.
func (s *StreamSession) AssistantID() string {
	return s.assistant.ID
}

// Done is closed once the turn has ended and its result is final.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Result returns the turn's result. It is only meaningful after Done.
func (s *StreamSession) Result() TurnResult {
	<-s.done
	return s.result
}

// Wait blocks until the turn ends or ctx is done.
func (s *StreamSession) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}
