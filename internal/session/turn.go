// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/veilchat/internal/inference"
	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/stream"
)

// readBufferSize is the size of each read from the response body.
const readBufferSize = 4096

// chunk is one read from the response body.
type chunk struct {
	data []byte
	err  error
}

// readBody copies body into out until EOF, an error, or ctx is done.
// It closes out when it returns.
func readBody(ctx context.Context, body io.Reader, out chan<- chunk) {
	defer close(out)
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- chunk{data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case out <- chunk{err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

// =============================================================================
// TURN LOOP
// =============================================================================

// run owns the turn from request to the final merge. All per-stream state
// is touched only from this goroutine.
func (c *Controller) run(s *StreamSession, req *inference.ChatRequest) {
	resp, err := c.transport.Stream(s.ctx, req)
	if err != nil {
		if s.ctx.Err() != nil {
			c.finish(s, OutcomeCancelled, nil)
			return
		}
		c.finish(s, OutcomeErrored, err)
		return
	}
	defer resp.Body.Close()

	s.requestID = resp.RequestID
	c.adoptConversationID(resp.ConversationID)
	c.setState(StateStreaming)

	chunks := make(chan chunk, 16)
	go readBody(s.ctx, resp.Body, chunks)

	outcome, runErr := c.readLoop(s, chunks)
	if outcome == OutcomeCompleted {
		if s.cancel.finalize() {
			// Cancel won the race against the end of the stream.
			outcome = OutcomeCancelled
		} else {
			c.setState(StateFinalizing)
			if s.state.serverError != "" {
				outcome, runErr = OutcomeErrored, &ServerError{Message: s.state.serverError}
			} else {
				c.settle(s)
			}
		}
	}
	c.finish(s, outcome, runErr)
}

// settle waits the settle delay before the authoritative merge. The wait
// ends early when the caller's context is done.
func (c *Controller) settle(s *StreamSession) {
	if c.opts.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(c.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}

// readLoop feeds the body through the pipeline until the stream ends.
// Cancellation is checked before every chunk.
func (c *Controller) readLoop(s *StreamSession, chunks <-chan chunk) (Outcome, error) {
	for {
		if s.ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		select {
		case <-s.ctx.Done():
			return OutcomeCancelled, nil

		case <-s.scheduler.C():
			s.scheduler.Fire()

		case ch, ok := <-chunks:
			if !ok {
				// EOF without a done frame: settle what is buffered.
				for _, f := range s.demux.Flush() {
					if c.handleFrame(s, f) {
						break
					}
				}
				c.dispatchDelta(s, s.splitter.Flush())
				return OutcomeCompleted, nil
			}
			if ch.err != nil {
				if s.ctx.Err() != nil {
					return OutcomeCancelled, nil
				}
				c.dispatchDelta(s, s.splitter.Flush())
				return OutcomeErrored, &StreamReadError{Partial: s.state.answer.String(), Err: ch.err}
			}
			for _, f := range s.demux.Push(ch.data) {
				if c.handleFrame(s, f) {
					c.dispatchDelta(s, s.splitter.Flush())
					return OutcomeCompleted, nil
				}
			}
		}
	}
}

// =============================================================================
// FRAME ROUTING
// =============================================================================

// handleFrame routes one frame. It reports whether the stream has ended.
func (c *Controller) handleFrame(s *StreamSession, f stream.Frame) bool {
	c.opts.Metrics.FrameReceived(f.Kind())

	switch fr := f.(type) {
	case stream.ContentFrame:
		c.dispatchDelta(s, s.splitter.Push(fr.Content))

	case stream.EncryptedContentFrame:
		plaintext, key, err := c.decryptor.Decrypt(fr.Ciphertext, fr.IV, fr.EncapsulatedKey, s.sessionKey)
		s.sessionKey = key
		if err != nil {
			s.decryptFailures++
			c.opts.Metrics.DecryptFailed()
			c.logger.Warn("dropped undecryptable frame",
				zap.String("assistant_id", s.assistant.ID),
				zap.Error(err),
			)
			return false
		}
		c.dispatchDelta(s, s.splitter.Push(string(plaintext)))

	case stream.ReasoningFrame:
		c.dispatch(s, event{kind: evReasoning, text: fr.Reasoning})

	case stream.StepFrame:
		c.dispatch(s, event{kind: evStep, step: fr.Step})

	case stream.MetricsFrame:
		c.mu.Lock()
		m := fr.Metrics
		c.lastMetrics = &m
		c.mu.Unlock()
		c.dispatch(s, event{kind: evMetrics, metrics: fr.Metrics})

	case stream.SuggestionsFrame:
		c.dispatch(s, event{kind: evSuggestions, suggestions: fr.Suggestions})

	case stream.TitleFrame:
		c.handleTitle(fr)

	case stream.ServerErrorFrame:
		return c.dispatch(s, event{kind: evServerError, text: fr.Message})

	case stream.DoneFrame:
		return c.dispatch(s, event{kind: evDone})

	case stream.StreamCompleteFrame:
		c.logger.Debug("server reported stream complete", zap.String("assistant_id", s.assistant.ID))
	}
	return false
}

// dispatchDelta feeds a splitter delta into the reducer, reasoning first.
func (c *Controller) dispatchDelta(s *StreamSession, d stream.Delta) {
	if d.Reasoning != "" {
		c.dispatch(s, event{kind: evReasoning, text: d.Reasoning})
	}
	if d.Answer != "" {
		c.dispatch(s, event{kind: evAnswer, text: d.Answer})
	}
}

// dispatch reduces ev and performs its visible effect. It reports whether
// the stream has ended.
func (c *Controller) dispatch(s *StreamSession, ev event) bool {
	ev.at = c.now()
	hadToken := !s.state.firstToken.IsZero()

	switch s.state.reduce(ev) {
	case effectAnswer:
		if !hadToken {
			c.opts.Metrics.FirstToken(s.state.firstToken.Sub(s.started))
		}
		text := s.state.answer.String()
		msg := s.assistant
		s.scheduler.ScheduleAnswerUpdate(func() {
			c.opts.Metrics.RenderUpdate()
			c.update(func() { msg.Content = text })
		})

	case effectDiscrete:
		now := ev.at
		c.update(func() { s.state.applyDiscrete(s.assistant, now) })

	case effectStop:
		return true
	}
	return false
}

// handleTitle decrypts and applies a conversation title. Titles carry
// their own key and never affect the reply.
func (c *Controller) handleTitle(fr stream.TitleFrame) {
	title, err := c.decryptor.OpenTitle(fr.EncryptedTitle, fr.IV, fr.EncapsulatedKey)
	if err != nil {
		c.logger.Warn("failed to decrypt title", zap.Error(err))
		return
	}
	c.update(func() { c.conv.Title = title })
	if c.hooks.OnTitle != nil {
		c.hooks.OnTitle(title)
	}
}

// adoptConversationID records the server-assigned id of a new conversation.
func (c *Controller) adoptConversationID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	adopted := c.conv.ID == ""
	if adopted {
		c.conv.ID = id
	}
	c.mu.Unlock()
	if adopted && c.hooks.OnConversationID != nil {
		c.hooks.OnConversationID(id)
	}
}

// =============================================================================
// TURN END
// =============================================================================

// finish performs the single authoritative write for the turn, seals the
// version and returns the controller to Idle.
func (c *Controller) finish(s *StreamSession, outcome Outcome, err error) {
	if outcome != OutcomeCompleted {
		// Text held back as a possible marker prefix is still answer text.
		c.dispatchDelta(s, s.splitter.Flush())
	}
	s.scheduler.CancelPending()

	switch outcome {
	case OutcomeCancelled:
		c.setState(StateCancelled)
	case OutcomeErrored:
		c.setState(StateErrored)
	}

	now := c.now()
	c.update(func() {
		msg, user := s.assistant, s.user
		s.state.merge(msg, now)
		msg.IsThinking = false
		msg.CorrelationID = s.requestID

		switch outcome {
		case OutcomeCompleted:
			msg.Status = model.StatusComplete
			user.Status = model.StatusComplete

		case OutcomeCancelled:
			msg.Content = s.state.answer.String() + c.opts.StoppedMarker
			msg.Status = model.StatusStopped
			user.Status = c.failedUserStatus(s, model.StatusStopped)

		case OutcomeErrored:
			msg.Status = model.StatusErrored
			msg.ErrorMessage = err.Error()
			var serverErr *ServerError
			var transportErr *inference.TransportError
			switch {
			case errors.As(err, &serverErr):
				msg.Content = serverErr.Message
				msg.ErrorMessage = serverErr.Message
			case errors.As(err, &transportErr):
				msg.ErrorMessage = transportErr.Message
				if transportErr.CorrelationID != "" {
					msg.CorrelationID = transportErr.CorrelationID
				}
			}
			user.Status = c.failedUserStatus(s, model.StatusErrored)
		}

		if sealErr := c.conv.SealVersion(msg.ID); sealErr != nil {
			c.logger.Error("failed to seal version", zap.Error(sealErr))
		}
		c.conv.UpdatedAt = now
		c.state = StateIdle
		c.active = nil
		c.persistLocked()
	})
	c.notifyState(StateIdle)

	s.cancel.clear()
	s.sessionKey = nil

	s.result = TurnResult{
		Outcome:         outcome,
		Err:             err,
		RequestID:       s.requestID,
		DroppedFrames:   s.demux.Dropped(),
		DecryptFailures: s.decryptFailures,
	}
	elapsed := now.Sub(s.started)
	c.opts.Metrics.TurnFinished(string(outcome), elapsed)

	fields := []zap.Field{
		zap.String("assistant_id", s.assistant.ID),
		zap.String("outcome", string(outcome)),
		zap.Duration("elapsed", elapsed),
		zap.Int("dropped_frames", s.result.DroppedFrames),
		zap.Int("decrypt_failures", s.decryptFailures),
	}
	if err != nil {
		c.logger.Warn("turn ended with error", append(fields, zap.Error(err))...)
	} else {
		c.logger.Info("turn finished", fields...)
	}

	close(s.done)
	if c.hooks.OnTurnEnd != nil {
		c.hooks.OnTurnEnd(s.result)
	}
}

// failedUserStatus is the user message status after a turn that did not
// complete. A regenerated turn leaves its user message as it was.
func (c *Controller) failedUserStatus(s *StreamSession, failed model.Status) model.Status {
	if s.regenerate {
		return s.userPrior
	}
	return failed
}
