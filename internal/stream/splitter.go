// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// MARKERS
// =============================================================================

// MarkerPair is one spelling of the tags that wrap reasoning text inside
// the content stream.
type MarkerPair struct {
	Open  string `toml:"open"`
	Close string `toml:"close"`
}

// DefaultMarkers are the reasoning tag spellings recognised out of the box.
var DefaultMarkers = []MarkerPair{
	{Open: "<think>", Close: "</think>"},
	{Open: "<thinking>", Close: "</thinking>"},
	{Open: "<reasoning>", Close: "</reasoning>"},
}

// ErrInvalidMarkers is returned for marker sets the splitter cannot
// disambiguate.
var ErrInvalidMarkers = errors.New("invalid reasoning markers")

// ValidateMarkers checks that every marker is non-empty and that no opening
// marker occurs inside another.
func ValidateMarkers(pairs []MarkerPair) error {
	if len(pairs) == 0 {
		return fmt.Errorf("%w: none configured", ErrInvalidMarkers)
	}
	for i, p := range pairs {
		if p.Open == "" || p.Close == "" {
			return fmt.Errorf("%w: pair %d has an empty marker", ErrInvalidMarkers, i)
		}
		for j, q := range pairs {
			if i != j && strings.Contains(q.Open, p.Open) {
				return fmt.Errorf("%w: %q occurs inside %q", ErrInvalidMarkers, p.Open, q.Open)
			}
		}
	}
	return nil
}

// =============================================================================
// SPLITTER
// =============================================================================

// Delta is the text produced by one Push, split by region.
type Delta struct {
	Answer    string
	Reasoning string
}

// Empty reports whether the delta carries no text.
func (d Delta) Empty() bool {
	return d.Answer == "" && d.Reasoning == ""
}

// Splitter separates reasoning text from answer text in a stream of content
// fragments.
//
// When a fragment ends with text that could be the start of a marker, that
// tail is held back until the next fragment settles it. The resulting split
// therefore does not depend on where the network cut the stream.
type Splitter struct {
	markers []MarkerPair
	opens   []string

	inside  bool
	active  MarkerPair
	pending string

	answer    strings.Builder
	reasoning strings.Builder
}

// NewSplitter creates a splitter for the given marker spellings, or for
// DefaultMarkers when none are given.
func NewSplitter(markers ...MarkerPair) (*Splitter, error) {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	if err := ValidateMarkers(markers); err != nil {
		return nil, err
	}
	s := &Splitter{markers: append([]MarkerPair(nil), markers...)}
	for _, m := range s.markers {
		s.opens = append(s.opens, m.Open)
	}
	return s, nil
}

// Push consumes one content fragment and returns the text it released.
func (s *Splitter) Push(fragment string) Delta {
	s.pending += fragment
	var d Delta

	for s.pending != "" {
		if s.inside {
			if i := strings.Index(s.pending, s.active.Close); i >= 0 {
				d.Reasoning += s.pending[:i]
				s.pending = s.pending[i+len(s.active.Close):]
				s.inside = false
				continue
			}
			cut := len(s.pending) - partialSuffix(s.pending, s.active.Close)
			d.Reasoning += s.pending[:cut]
			s.pending = s.pending[cut:]
			break
		}

		if i, pair := s.earliestOpen(); i >= 0 {
			d.Answer += s.pending[:i]
			s.pending = s.pending[i+len(pair.Open):]
			s.inside = true
			s.active = pair
			continue
		}
		cut := len(s.pending) - partialSuffix(s.pending, s.opens...)
		d.Answer += s.pending[:cut]
		s.pending = s.pending[cut:]
		break
	}

	s.record(d)
	return d
}

// Flush releases any held-back tail into the current region. It is called
// once when the stream ends.
func (s *Splitter) Flush() Delta {
	var d Delta
	if s.inside {
		d.Reasoning = s.pending
	} else {
		d.Answer = s.pending
	}
	s.pending = ""
	s.record(d)
	return d
}

// Answer returns all answer text released so far.
func (s *Splitter) Answer() string {
	return s.answer.String()
}

// Reasoning returns all reasoning text released so far.
func (s *Splitter) Reasoning() string {
	return s.reasoning.String()
}

// InsideReasoning reports whether the stream is currently in a reasoning
// region.
func (s *Splitter) InsideReasoning() bool {
	return s.inside
}

// Reset returns the splitter to its initial state.
func (s *Splitter) Reset() {
	s.inside = false
	s.active = MarkerPair{}
	s.pending = ""
	s.answer.Reset()
	s.reasoning.Reset()
}

func (s *Splitter) record(d Delta) {
	s.answer.WriteString(d.Answer)
	s.reasoning.WriteString(d.Reasoning)
}

// earliestOpen finds the first opening marker in the pending text.
func (s *Splitter) earliestOpen() (int, MarkerPair) {
	best := -1
	var pair MarkerPair
	for _, m := range s.markers {
		if i := strings.Index(s.pending, m.Open); i >= 0 && (best < 0 || i < best) {
			best = i
			pair = m
		}
	}
	return best, pair
}

// partialSuffix returns the length of the longest proper prefix of any
// marker that text ends with.
func partialSuffix(text string, markers ...string) int {
	longest := 0
	for _, m := range markers {
		limit := len(m) - 1
		if limit > len(text) {
			limit = len(text)
		}
		for k := limit; k > longest; k-- {
			if strings.HasSuffix(text, m[:k]) {
				longest = k
				break
			}
		}
	}
	return longest
}
