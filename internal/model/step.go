// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// STEP TYPES
// =============================================================================

// StepType discriminates the variants of Step.
type StepType string

const (
	StepReasoning StepType = "reasoning"
	StepSearch    StepType = "search"
	StepCode      StepType = "code"
	StepTool      StepType = "tool"
)

// ErrInvalidStep is returned by Step.Normalize for payloads that do not
// match any variant.
var ErrInvalidStep = errors.New("invalid step")

// Step is one entry in the chronological activity log of an assistant reply.
//
// The set of meaningful fields depends on Type:
//
//	reasoning: Content
//	search:    Label, Queries, Results
//	code:      Label, Code, Stdout, Error, Images
//	tool:      Label, Content, Error
type Step struct {
	Type    StepType `json:"stepType"`
	Label   string   `json:"label,omitempty"`
	Content string   `json:"content,omitempty"`
	Code    string   `json:"code,omitempty"`
	Stdout  string   `json:"stdout,omitempty"`
	Error   string   `json:"error,omitempty"`
	Queries []string `json:"queries,omitempty"`
	Results []Source `json:"results,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// Normalize checks that s is a well-formed variant and returns a copy with
// every field foreign to that variant cleared.
func (s Step) Normalize() (Step, error) {
	switch s.Type {
	case StepReasoning:
		if s.Content == "" {
			return Step{}, fmt.Errorf("%w: reasoning step without content", ErrInvalidStep)
		}
		return Step{Type: StepReasoning, Content: s.Content}, nil

	case StepSearch:
		if len(s.Queries) == 0 && len(s.Results) == 0 {
			return Step{}, fmt.Errorf("%w: search step without queries or results", ErrInvalidStep)
		}
		return Step{
			Type:    StepSearch,
			Label:   s.Label,
			Queries: cloneStrings(s.Queries),
			Results: cloneSources(s.Results),
		}, nil

	case StepCode:
		if s.Code == "" {
			return Step{}, fmt.Errorf("%w: code step without code", ErrInvalidStep)
		}
		return Step{
			Type:   StepCode,
			Label:  s.Label,
			Code:   s.Code,
			Stdout: s.Stdout,
			Error:  s.Error,
			Images: cloneStrings(s.Images),
		}, nil

	case StepTool:
		if s.Label == "" {
			return Step{}, fmt.Errorf("%w: tool step without label", ErrInvalidStep)
		}
		return Step{
			Type:    StepTool,
			Label:   s.Label,
			Content: s.Content,
			Error:   s.Error,
		}, nil

	case "":
		return Step{}, fmt.Errorf("%w: missing stepType", ErrInvalidStep)

	default:
		return Step{}, fmt.Errorf("%w: unknown stepType %q", ErrInvalidStep, s.Type)
	}
}

// AppendReasoning adds a reasoning delta to a step log. The delta is merged
// into the last step when that step is also reasoning, otherwise a new
// reasoning step is appended.
func AppendReasoning(steps []Step, delta string) []Step {
	if delta == "" {
		return steps
	}
	if n := len(steps); n > 0 && steps[n-1].Type == StepReasoning {
		steps[n-1].Content += delta
		return steps
	}
	return append(steps, Step{Type: StepReasoning, Content: delta})
}

func cloneSteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Queries = cloneStrings(s.Queries)
		out[i].Results = cloneSources(s.Results)
		out[i].Images = cloneStrings(s.Images)
	}
	return out
}
