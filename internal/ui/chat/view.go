// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/session"
	"github.com/jeranaias/veilchat/internal/ui/styles"
	"github.com/jeranaias/veilchat/internal/util"
)

// View renders the chat screen.
func (m Model) View() string {
	if m.quit {
		return ""
	}

	sections := []string{
		m.renderHeader(),
		m.viewport.View(),
		m.theme.Input.Render(m.input.View()),
		m.renderStatusBar(),
	}
	if m.showHelp {
		sections = append(sections, m.help.FullHelpView(m.keys.FullHelp()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// HEADER AND STATUS BAR
// =============================================================================

func (m Model) renderHeader() string {
	title := m.snap.Title
	if title == "" {
		title = "New conversation"
	}

	state := m.snap.State.String()
	if m.snap.State.Active() {
		state = m.spinner.View() + " " + state
	}
	right := m.theme.HeaderState.Render(fmt.Sprintf("%s · %s", m.opts.ModelName, state))

	avail := m.width - lipgloss.Width(right) - 4
	if avail < 10 {
		avail = 10
	}
	left := m.theme.HeaderTitle.Render(util.TruncateWidth(title, avail))
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return m.theme.Header.Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderStatusBar() string {
	toggle := func(name string, on bool) string {
		if on {
			return m.theme.ToggleOn.Render(name)
		}
		return m.theme.Toggle.Render(name)
	}

	parts := []string{
		toggle("thinking", m.opts.ThinkingMode),
		toggle("search", m.opts.WebSearch),
	}
	if m.editing != "" {
		parts = append(parts, m.theme.Stopped.Render("editing"))
	}
	if m.status != "" {
		parts = append(parts, m.status)
	} else {
		parts = append(parts, m.help.ShortHelpView(m.keys.ShortHelp()))
	}
	line := strings.Join(parts, "  ")
	if m.width > 0 {
		line = util.TruncateWidth(line, m.width)
	}
	return m.theme.StatusBar.Render(line)
}

// =============================================================================
// CONVERSATION RENDERING
// =============================================================================

type renderOptions struct {
	width         int
	showReasoning bool
	showMetrics   bool
	selected      int
	branches      map[string]branchPos
}

// renderConversation renders every message on the displayed branch.
func renderConversation(snap session.Snapshot, theme *styles.Theme, opts renderOptions) string {
	if len(snap.Messages) == 0 {
		return theme.Metrics.Render("Start typing to begin a conversation.")
	}

	blocks := make([]string, 0, len(snap.Messages))
	for i, msg := range snap.Messages {
		block := renderMessage(msg, theme, opts)
		if i == opts.selected {
			block = theme.Selected.Render(block)
		} else {
			block = theme.Message.Render(block)
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(msg *model.Message, theme *styles.Theme, opts renderOptions) string {
	var b strings.Builder
	width := opts.width

	b.WriteString(renderLabel(msg, theme, opts))
	b.WriteString("\n")

	if msg.Role == model.RoleAssistant {
		if r := renderReasoning(msg, theme, opts); r != "" {
			b.WriteString(r)
			b.WriteString("\n")
		}
	}

	content := msg.Content
	if content == "" && msg.IsThinking {
		content = "…"
	}
	if content != "" {
		b.WriteString(theme.Content.Width(width).Render(content))
	}

	switch msg.Status {
	case model.StatusStopped:
		b.WriteString("\n")
		b.WriteString(theme.Stopped.Render("stopped"))
	case model.StatusErrored:
		b.WriteString("\n")
		errText := "error"
		if msg.ErrorMessage != "" && msg.ErrorMessage != msg.Content {
			errText = "error: " + msg.ErrorMessage
		}
		if msg.CorrelationID != "" {
			errText += " [" + msg.CorrelationID + "]"
		}
		b.WriteString(theme.Errored.Width(width).Render(errText))
	}

	if len(msg.Sources) > 0 {
		b.WriteString("\n")
		for i, src := range msg.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			line := fmt.Sprintf("[%d] %s", i+1, util.TruncateWidth(title, width-6))
			b.WriteString("\n")
			b.WriteString(theme.Source.Render(line))
		}
	}

	if len(msg.Suggestions) > 0 && msg.Status != model.StatusStreaming {
		b.WriteString("\n")
		for _, s := range msg.Suggestions {
			b.WriteString("\n")
			b.WriteString(theme.Suggestion.Render("→ " + util.TruncateWidth(s, width-2)))
		}
	}

	if opts.showMetrics && msg.Metrics != nil {
		b.WriteString("\n")
		b.WriteString(theme.Metrics.Render(formatMetrics(msg.Metrics)))
	}
	return b.String()
}

func renderLabel(msg *model.Message, theme *styles.Theme, opts renderOptions) string {
	var label string
	switch msg.Role {
	case model.RoleUser:
		label = theme.UserLabel.Render("You")
		if pos, ok := opts.branches[msg.ID]; ok {
			label += " " + theme.Indicator.Render(
				fmt.Sprintf("‹ branch %d/%d ›", pos.index+1, len(pos.siblings)))
		}
	case model.RoleAssistant:
		label = theme.AssistantLabel.Render("Assistant")
		if msg.Model != "" {
			label += " " + theme.Metrics.Render(msg.Model)
		}
		if n := msg.VersionCount(); n > 1 {
			label += " " + theme.Indicator.Render(
				fmt.Sprintf("‹ %d/%d ›", msg.CurrentVersionIndex+1, n))
		}
		switch msg.Feedback {
		case model.FeedbackLike:
			label += " " + theme.Liked.Render("+1")
		case model.FeedbackDislike:
			label += " " + theme.Dislike.Render("-1")
		}
	default:
		label = theme.Metrics.Render(msg.Role.DisplayName())
	}
	return label
}

// renderReasoning shows the reasoning in full while it streams or when
// enabled, and as a one-line summary otherwise.
func renderReasoning(msg *model.Message, theme *styles.Theme, opts renderOptions) string {
	if msg.Reasoning == "" {
		return ""
	}
	live := msg.IsThinking && msg.Content == ""
	if opts.showReasoning || live {
		return theme.Reasoning.Width(opts.width - 2).Render(strings.TrimSpace(msg.Reasoning))
	}
	summary := "reasoned"
	if msg.ReasoningDuration > 0 {
		summary = fmt.Sprintf("reasoned for %s", msg.ReasoningDuration.Round(100*time.Millisecond))
	}
	return theme.Metrics.Render(summary + " (C-g to show)")
}

func formatMetrics(m *model.Metrics) string {
	var parts []string
	if m.TTFT > 0 {
		parts = append(parts, fmt.Sprintf("ttft %.2fs", m.TTFT))
	}
	if m.TPS > 0 {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", m.TPS))
	}
	if m.TotalTime > 0 {
		parts = append(parts, fmt.Sprintf("total %.2fs", m.TotalTime))
	}
	return strings.Join(parts, " · ")
}
