// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// VERSION TYPE
// =============================================================================

// MessageVersion is a snapshot of a message's displayed fields at one point
// in its edit/regenerate history.
//
// A version is written twice at most: once when it is created and once when
// the stream that fills it is sealed. After Sealed is set it never changes.
type MessageVersion struct {
	Content           string        `json:"content"`
	Model             string        `json:"model,omitempty"`
	Metrics           *Metrics      `json:"metrics,omitempty"`
	Sources           []Source      `json:"sources,omitempty"`
	Reasoning         string        `json:"reasoning,omitempty"`
	ReasoningDuration time.Duration `json:"reasoning_duration_ns,omitempty"`
	Steps             []Step        `json:"steps,omitempty"`
	Suggestions       []string      `json:"suggestions,omitempty"`
	Status            Status        `json:"status,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	Sealed            bool          `json:"sealed"`
}

// Direction selects which neighbour CycleVersion moves to.
type Direction int

const (
	Prev Direction = -1
	Next Direction = 1
)

func (v MessageVersion) clone() MessageVersion {
	c := v
	if v.Metrics != nil {
		m := *v.Metrics
		c.Metrics = &m
	}
	c.Sources = cloneSources(v.Sources)
	c.Steps = cloneSteps(v.Steps)
	c.Suggestions = cloneStrings(v.Suggestions)
	return c
}

// =============================================================================
// SNAPSHOT / APPLY
// =============================================================================

// snapshot captures the message's displayed fields as a sealed version.
func (m *Message) snapshot() MessageVersion {
	v := MessageVersion{
		Content:           m.Content,
		Model:             m.Model,
		Reasoning:         m.Reasoning,
		ReasoningDuration: m.ReasoningDuration,
		Sources:           cloneSources(m.Sources),
		Steps:             cloneSteps(m.Steps),
		Suggestions:       cloneStrings(m.Suggestions),
		Status:            m.Status,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
		Sealed:            true,
	}
	if m.Metrics != nil {
		metrics := *m.Metrics
		v.Metrics = &metrics
	}
	return v
}

// apply copies a version onto the message's displayed fields.
func (m *Message) apply(v MessageVersion) {
	v = v.clone()
	m.Content = v.Content
	m.Model = v.Model
	m.Metrics = v.Metrics
	m.Sources = v.Sources
	m.Reasoning = v.Reasoning
	m.ReasoningDuration = v.ReasoningDuration
	m.Steps = v.Steps
	m.Suggestions = v.Suggestions
	m.Status = v.Status
	m.ErrorMessage = v.ErrorMessage
	m.IsThinking = false
}

// resetLive clears the displayed fields so a new stream can fill them.
func (m *Message) resetLive() {
	m.Content = ""
	m.Metrics = nil
	m.Sources = nil
	m.Reasoning = ""
	m.ReasoningDuration = 0
	m.Steps = nil
	m.Suggestions = nil
	m.ErrorMessage = ""
	m.CorrelationID = ""
	m.Status = StatusStreaming
	m.IsThinking = true
}

// =============================================================================
// VERSION OPERATIONS
// =============================================================================

// beginVersion appends an empty version and selects it. Version 0 is
// synthesised from the current fields the first time this happens.
func (m *Message) beginVersion(now time.Time) {
	if len(m.Versions) == 0 {
		m.Versions = append(m.Versions, m.snapshot())
		m.CurrentVersionIndex = 0
	} else {
		m.sealCurrent()
	}

	m.Versions = append(m.Versions, MessageVersion{
		Model:     m.Model,
		Status:    StatusStreaming,
		CreatedAt: now,
	})
	m.CurrentVersionIndex = len(m.Versions) - 1
	m.resetLive()
}

// sealCurrent writes the displayed fields into the selected version if it
// is still open. It reports whether anything was written.
func (m *Message) sealCurrent() bool {
	if m.CurrentVersionIndex < 0 || m.CurrentVersionIndex >= len(m.Versions) {
		return false
	}
	cur := &m.Versions[m.CurrentVersionIndex]
	if cur.Sealed {
		return false
	}
	createdAt := cur.CreatedAt
	*cur = m.snapshot()
	cur.CreatedAt = createdAt
	return true
}

// cycle moves the selected version one step in dir, wrapping at both ends.
func (m *Message) cycle(dir Direction) {
	n := len(m.Versions)
	if n < 2 {
		return
	}
	m.sealCurrent()
	m.CurrentVersionIndex = ((m.CurrentVersionIndex+int(dir))%n + n) % n
	m.apply(m.Versions[m.CurrentVersionIndex])
}
