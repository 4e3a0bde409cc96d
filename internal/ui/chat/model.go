// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/session"
	"github.com/jeranaias/veilchat/internal/ui/styles"
)

// =============================================================================
// CONTROLLER CONTRACT
// =============================================================================

// Controller is the part of session.Controller the chat view drives.
type Controller interface {
	Submit(ctx context.Context, text string, so session.SubmitOptions) (*session.StreamSession, error)
	Edit(ctx context.Context, messageID, text string, so session.SubmitOptions) (*session.StreamSession, error)
	Regenerate(ctx context.Context, assistantID string, so session.SubmitOptions) (*session.StreamSession, error)
	Cancel() bool
	CycleVersion(id string, dir model.Direction) error
	RestoreCheckpoint(id string) error
	SelectBranch(id string) error
	SetFeedback(id string, fb model.Feedback) error
	Snapshot() session.Snapshot
	Conversation(fn func(*model.Conversation))
}

// Options configures the chat view.
type Options struct {
	ModelName     string
	ShowReasoning bool
	ShowMetrics   bool
	ThinkingMode  bool
	WebSearch     bool
}

// =============================================================================
// MODEL
// =============================================================================

// branchPos locates a user message among its edit siblings.
type branchPos struct {
	index    int
	siblings []string
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	ctx    context.Context
	ctrl   Controller
	bridge *Bridge
	theme  *styles.Theme
	keys   KeyMap
	opts   Options

	width  int
	height int

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	help     help.Model
	showHelp bool

	snap     session.Snapshot
	branches map[string]branchPos

	// selected indexes snap.Messages; -1 follows the newest message.
	selected int
	// editing is the user message being rewritten, if any.
	editing string

	status string
	quit   bool
}

// New creates the chat model. ctx bounds every stream the view starts.
func New(ctx context.Context, ctrl Controller, bridge *Bridge, theme *styles.Theme, opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.Focus()
	// Enter sends; newlines come from alt+enter.
	ta.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Indicator

	h := help.New()
	h.Styles.ShortKey = theme.Help
	h.Styles.ShortDesc = theme.Help
	h.Styles.FullKey = theme.Help
	h.Styles.FullDesc = theme.Help

	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		bridge:   bridge,
		theme:    theme,
		keys:     DefaultKeyMap(),
		opts:     opts,
		viewport: viewport.New(80, 20),
		input:    ta,
		spinner:  sp,
		help:     h,
		selected: -1,
	}
	m.applySnapshot(ctrl.Snapshot())
	return m
}

// Init starts listening for controller events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.bridge.Listen(), m.spinner.Tick)
}

// Snapshot returns the conversation currently displayed.
func (m Model) Snapshot() session.Snapshot {
	return m.snap
}

// Status returns the status line message.
func (m Model) Status() string {
	return m.status
}

// applySnapshot stores snap and recomputes branch positions.
func (m *Model) applySnapshot(snap session.Snapshot) {
	m.snap = snap
	if m.selected >= len(snap.Messages) {
		m.selected = -1
	}
	m.branches = make(map[string]branchPos)
	m.ctrl.Conversation(func(conv *model.Conversation) {
		for _, msg := range snap.Messages {
			if msg.Role != model.RoleUser {
				continue
			}
			sibs, err := conv.Siblings(msg.ID)
			if err != nil || len(sibs) < 2 {
				continue
			}
			pos := branchPos{siblings: make([]string, len(sibs))}
			for i, s := range sibs {
				pos.siblings[i] = s.ID
				if s.ID == msg.ID {
					pos.index = i
				}
			}
			m.branches[msg.ID] = pos
		}
	})
	m.refreshViewport()
}

// selectedMessage returns the selected message, or the newest one.
func (m Model) selectedMessage() *model.Message {
	n := len(m.snap.Messages)
	if n == 0 {
		return nil
	}
	if m.selected < 0 || m.selected >= n {
		return m.snap.Messages[n-1]
	}
	return m.snap.Messages[m.selected]
}

// selectedOfRole returns the selected message if it has role, falling back
// to the newest message with that role.
func (m Model) selectedOfRole(role model.Role) *model.Message {
	if msg := m.selectedMessage(); msg != nil && msg.Role == role {
		if m.selected >= 0 {
			return msg
		}
	}
	for i := len(m.snap.Messages) - 1; i >= 0; i-- {
		if m.snap.Messages[i].Role == role {
			return m.snap.Messages[i]
		}
	}
	return nil
}

func (m Model) submitOptions() session.SubmitOptions {
	return session.SubmitOptions{
		ThinkingMode: m.opts.ThinkingMode,
		WebSearch:    m.opts.WebSearch,
	}
}

func (m *Model) refreshViewport() {
	follow := m.viewport.AtBottom() || m.selected < 0
	m.viewport.SetContent(renderConversation(m.snap, m.theme, m.renderOptions()))
	if follow {
		m.viewport.GotoBottom()
	}
}
