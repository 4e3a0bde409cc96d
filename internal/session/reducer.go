// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"
	"time"

	"github.com/jeranaias/veilchat/internal/model"
)

// =============================================================================
// EVENTS
// =============================================================================

type eventKind int

const (
	evAnswer eventKind = iota
	evReasoning
	evStep
	evMetrics
	evSuggestions
	evServerError
	evDone
)

// event is one decoded, decrypted and split stream occurrence.
type event struct {
	kind        eventKind
	text        string
	step        model.Step
	metrics     model.Metrics
	suggestions []string
	at          time.Time
}

// effect tells the controller what a reduced event requires.
type effect int

const (
	effectNone     effect = iota
	effectAnswer          // coalesced answer update
	effectDiscrete        // immediate update
	effectStop            // end the read loop
)

// =============================================================================
// TURN STATE
// =============================================================================

// turnState accumulates everything one stream has produced. Only the turn
// goroutine touches it.
type turnState struct {
	answer      strings.Builder
	reasoning   strings.Builder
	steps       []model.Step
	sources     []model.Source
	suggestions []string
	metrics     *model.Metrics
	serverError string
	done        bool

	firstToken     time.Time
	reasoningStart time.Time
	reasoningEnd   time.Time
}

// reduce folds ev into the state in arrival order and returns the visible
// effect it calls for.
func (st *turnState) reduce(ev event) effect {
	if st.done {
		return effectNone
	}

	switch ev.kind {
	case evAnswer:
		if ev.text == "" {
			return effectNone
		}
		if st.firstToken.IsZero() {
			st.firstToken = ev.at
		}
		if !st.reasoningStart.IsZero() && st.reasoningEnd.IsZero() {
			st.reasoningEnd = ev.at
		}
		st.answer.WriteString(ev.text)
		return effectAnswer

	case evReasoning:
		if ev.text == "" {
			return effectNone
		}
		if st.reasoningStart.IsZero() {
			st.reasoningStart = ev.at
		}
		st.reasoning.WriteString(ev.text)
		st.steps = model.AppendReasoning(st.steps, ev.text)
		return effectDiscrete

	case evStep:
		st.steps = append(st.steps, ev.step)
		if ev.step.Type == model.StepSearch {
			st.sources = append([]model.Source(nil), ev.step.Results...)
		}
		return effectDiscrete

	case evMetrics:
		m := ev.metrics
		st.metrics = &m
		return effectDiscrete

	case evSuggestions:
		st.suggestions = append([]string(nil), ev.suggestions...)
		return effectDiscrete

	case evServerError:
		st.serverError = ev.text
		st.done = true
		return effectStop

	case evDone:
		st.done = true
		return effectStop

	default:
		return effectNone
	}
}

// reasoningDuration is the time from the first reasoning text to the first
// answer text, or to now if no answer text followed.
func (st *turnState) reasoningDuration(now time.Time) time.Duration {
	if st.reasoningStart.IsZero() {
		return 0
	}
	end := st.reasoningEnd
	if end.IsZero() {
		end = now
	}
	return end.Sub(st.reasoningStart)
}

// applyDiscrete copies every field except the answer onto m.
func (st *turnState) applyDiscrete(m *model.Message, now time.Time) {
	m.Reasoning = st.reasoning.String()
	m.ReasoningDuration = st.reasoningDuration(now)
	m.Steps = append([]model.Step(nil), st.steps...)
	m.Sources = append([]model.Source(nil), st.sources...)
	m.Suggestions = append([]string(nil), st.suggestions...)
	if st.metrics != nil {
		metrics := *st.metrics
		m.Metrics = &metrics
	}
}

// merge is the authoritative write of the whole state onto m.
func (st *turnState) merge(m *model.Message, now time.Time) {
	st.applyDiscrete(m, now)
	m.Content = st.answer.String()
}
