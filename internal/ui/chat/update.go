// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/veilchat/internal/inference"
	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/session"
	"github.com/jeranaias/veilchat/internal/util"
)

// Update handles Bubble Tea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case SnapshotMsg:
		m.applySnapshot(msg.Snapshot)
		return m, m.bridge.Listen()

	case TitleMsg:
		m.snap.Title = msg.Title
		return m, m.bridge.Listen()

	case TurnEndMsg:
		m.status = turnStatus(msg.Result)
		return m, m.bridge.Listen()

	case bridgeClosedMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// LAYOUT
// =============================================================================

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.help.Width = msg.Width
	m.input.SetWidth(max(msg.Width-4, 10))

	// header + status bar + input box (3 lines + border)
	chrome := 1 + 1 + m.input.Height() + 2
	m.viewport.Width = msg.Width
	m.viewport.Height = max(msg.Height-chrome, 3)
	m.refreshViewport()
	return m
}

func (m Model) renderOptions() renderOptions {
	return renderOptions{
		width:         max(m.viewport.Width-2, 20),
		showReasoning: m.opts.ShowReasoning,
		showMetrics:   m.opts.ShowMetrics,
		selected:      m.selected,
		branches:      m.branches,
	}
}

// =============================================================================
// KEY HANDLING
// =============================================================================

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.ctrl.Cancel()
		m.bridge.Close()
		m.quit = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.editing != "" {
			m.editing = ""
			m.input.Reset()
			m.status = "edit abandoned"
			return m, nil
		}
		if m.ctrl.Cancel() {
			m.status = "stopping..."
		}
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil

	case key.Matches(msg, m.keys.SelectPrev):
		m.moveSelection(-1)
		return m, nil

	case key.Matches(msg, m.keys.SelectNext):
		m.moveSelection(1)
		return m, nil

	case key.Matches(msg, m.keys.VersionPrev):
		return m.cycleVersion(model.Prev)

	case key.Matches(msg, m.keys.VersionNext):
		return m.cycleVersion(model.Next)

	case key.Matches(msg, m.keys.BranchPrev):
		return m.switchBranch(-1)

	case key.Matches(msg, m.keys.BranchNext):
		return m.switchBranch(1)

	case key.Matches(msg, m.keys.Regenerate):
		return m.regenerate()

	case key.Matches(msg, m.keys.Edit):
		return m.beginEdit()

	case key.Matches(msg, m.keys.Checkpoint):
		return m.restoreCheckpoint()

	case key.Matches(msg, m.keys.Like):
		return m.feedback(model.FeedbackLike)

	case key.Matches(msg, m.keys.Dislike):
		return m.feedback(model.FeedbackDislike)

	case key.Matches(msg, m.keys.Thinking):
		m.opts.ThinkingMode = !m.opts.ThinkingMode
		return m, nil

	case key.Matches(msg, m.keys.WebSearch):
		m.opts.WebSearch = !m.opts.WebSearch
		return m, nil

	case key.Matches(msg, m.keys.ShowReasoning):
		m.opts.ShowReasoning = !m.opts.ShowReasoning
		m.refreshViewport()
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// ACTIONS
// =============================================================================

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}

	var err error
	if m.editing != "" {
		_, err = m.ctrl.Edit(m.ctx, m.editing, text, m.submitOptions())
	} else {
		_, err = m.ctrl.Submit(m.ctx, text, m.submitOptions())
	}
	if err != nil {
		m.status = actionError(err)
		return m, nil
	}

	m.input.Reset()
	m.editing = ""
	m.selected = -1
	m.status = ""
	m.viewport.GotoBottom()
	return m, nil
}

func (m Model) regenerate() (tea.Model, tea.Cmd) {
	target := m.selectedOfRole(model.RoleAssistant)
	if target == nil {
		return m, nil
	}
	if _, err := m.ctrl.Regenerate(m.ctx, target.ID, m.submitOptions()); err != nil {
		m.status = actionError(err)
		return m, nil
	}
	m.status = ""
	return m, nil
}

func (m Model) beginEdit() (tea.Model, tea.Cmd) {
	target := m.selectedOfRole(model.RoleUser)
	if target == nil {
		return m, nil
	}
	m.editing = target.ID
	m.input.SetValue(target.Content)
	m.input.CursorEnd()
	m.status = fmt.Sprintf("editing %q (Esc to abandon)", util.TruncateRunes(util.FirstLine(target.Content), 32))
	return m, nil
}

func (m Model) cycleVersion(dir model.Direction) (tea.Model, tea.Cmd) {
	target := m.selectedOfRole(model.RoleAssistant)
	if target == nil || target.VersionCount() < 2 {
		return m, nil
	}
	if err := m.ctrl.CycleVersion(target.ID, dir); err != nil {
		m.status = actionError(err)
	}
	return m, nil
}

func (m Model) switchBranch(step int) (tea.Model, tea.Cmd) {
	target := m.selectedOfRole(model.RoleUser)
	if target == nil {
		return m, nil
	}
	pos, ok := m.branches[target.ID]
	if !ok {
		return m, nil
	}
	n := len(pos.siblings)
	next := pos.siblings[((pos.index+step)%n+n)%n]
	if err := m.ctrl.SelectBranch(next); err != nil {
		m.status = actionError(err)
	}
	return m, nil
}

func (m Model) restoreCheckpoint() (tea.Model, tea.Cmd) {
	target := m.selectedMessage()
	if target == nil || m.selected < 0 {
		m.status = "select a message first"
		return m, nil
	}
	if err := m.ctrl.RestoreCheckpoint(target.ID); err != nil {
		m.status = actionError(err)
		return m, nil
	}
	m.selected = -1
	m.status = "restored to checkpoint"
	return m, nil
}

func (m Model) feedback(fb model.Feedback) (tea.Model, tea.Cmd) {
	target := m.selectedOfRole(model.RoleAssistant)
	if target == nil {
		return m, nil
	}
	if target.Feedback == fb {
		fb = model.FeedbackNone
	}
	if err := m.ctrl.SetFeedback(target.ID, fb); err != nil {
		m.status = actionError(err)
	}
	return m, nil
}

func (m *Model) moveSelection(step int) {
	n := len(m.snap.Messages)
	if n == 0 {
		return
	}
	cur := m.selected
	if cur < 0 {
		cur = n
	}
	cur += step
	switch {
	case cur < 0:
		cur = 0
	case cur >= n:
		cur = -1
	}
	m.selected = cur
	m.refreshViewport()
}

// =============================================================================
// STATUS TEXT
// =============================================================================

func actionError(err error) string {
	if errors.Is(err, session.ErrStreamActive) {
		return "wait for the reply to finish (Esc stops it)"
	}
	return "error: " + err.Error()
}

func turnStatus(res session.TurnResult) string {
	switch res.Outcome {
	case session.OutcomeCancelled:
		return "stopped"
	case session.OutcomeErrored:
		var te *inference.TransportError
		if errors.As(res.Err, &te) {
			if errors.Is(te, inference.ErrAuthFailed) {
				return "request failed: check inference.api_key"
			}
			return fmt.Sprintf("request failed: %s", te.Message)
		}
		if res.Err != nil {
			return "error: " + res.Err.Error()
		}
		return "error"
	}
	if res.DecryptFailures > 0 {
		return fmt.Sprintf("%d encrypted chunk(s) could not be decrypted", res.DecryptFailures)
	}
	return ""
}
