// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"github.com/charmbracelet/bubbles/key"
)

// =============================================================================
// KEY MAP DEFINITION
// =============================================================================

// KeyMap defines all keyboard bindings for the chat interface. Bindings use
// control and alt chords so they never collide with typed text.
type KeyMap struct {
	Submit   key.Binding
	Cancel   key.Binding
	Quit     key.Binding
	PageUp   key.Binding
	PageDown key.Binding

	// Message selection and history
	SelectPrev  key.Binding
	SelectNext  key.Binding
	VersionPrev key.Binding
	VersionNext key.Binding
	BranchPrev  key.Binding
	BranchNext  key.Binding
	Regenerate  key.Binding
	Edit        key.Binding
	Checkpoint  key.Binding
	Like        key.Binding
	Dislike     key.Binding

	// Toggles
	Thinking      key.Binding
	WebSearch     key.Binding
	ShowReasoning key.Binding
	Help          key.Binding
}

// DefaultKeyMap returns the default key bindings for the chat interface.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("Enter", "send"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("Esc", "stop / leave edit"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "ctrl+q"),
			key.WithHelp("C-c", "quit"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("PgUp", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("PgDn", "page down"),
		),
		SelectPrev: key.NewBinding(
			key.WithKeys("ctrl+p", "alt+up"),
			key.WithHelp("C-p", "select previous"),
		),
		SelectNext: key.NewBinding(
			key.WithKeys("ctrl+n", "alt+down"),
			key.WithHelp("C-n", "select next"),
		),
		VersionPrev: key.NewBinding(
			key.WithKeys("alt+left", "alt+["),
			key.WithHelp("M-[", "previous version"),
		),
		VersionNext: key.NewBinding(
			key.WithKeys("alt+right", "alt+]"),
			key.WithHelp("M-]", "next version"),
		),
		BranchPrev: key.NewBinding(
			key.WithKeys("alt+,"),
			key.WithHelp("M-,", "previous branch"),
		),
		BranchNext: key.NewBinding(
			key.WithKeys("alt+."),
			key.WithHelp("M-.", "next branch"),
		),
		Regenerate: key.NewBinding(
			key.WithKeys("ctrl+r"),
			key.WithHelp("C-r", "regenerate"),
		),
		Edit: key.NewBinding(
			key.WithKeys("ctrl+e"),
			key.WithHelp("C-e", "edit"),
		),
		Checkpoint: key.NewBinding(
			key.WithKeys("ctrl+z"),
			key.WithHelp("C-z", "restore to here"),
		),
		Like: key.NewBinding(
			key.WithKeys("alt+="),
			key.WithHelp("M-=", "like"),
		),
		Dislike: key.NewBinding(
			key.WithKeys("alt+-"),
			key.WithHelp("M--", "dislike"),
		),
		Thinking: key.NewBinding(
			key.WithKeys("ctrl+t"),
			key.WithHelp("C-t", "thinking mode"),
		),
		WebSearch: key.NewBinding(
			key.WithKeys("ctrl+s"),
			key.WithHelp("C-s", "web search"),
		),
		ShowReasoning: key.NewBinding(
			key.WithKeys("ctrl+g"),
			key.WithHelp("C-g", "show reasoning"),
		),
		Help: key.NewBinding(
			key.WithKeys("f1"),
			key.WithHelp("F1", "help"),
		),
	}
}

// =============================================================================
// KEY BINDING HELPERS
// =============================================================================

// ShortHelp returns the bindings shown in the status bar.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Submit, k.Cancel, k.SelectPrev, k.Regenerate, k.Help, k.Quit}
}

// FullHelp returns the bindings shown in the help overlay, grouped by column.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Submit, k.Cancel, k.PageUp, k.PageDown, k.Quit},
		{k.SelectPrev, k.SelectNext, k.VersionPrev, k.VersionNext, k.BranchPrev, k.BranchNext},
		{k.Regenerate, k.Edit, k.Checkpoint, k.Like, k.Dislike},
		{k.Thinking, k.WebSearch, k.ShowReasoning, k.Help},
	}
}
