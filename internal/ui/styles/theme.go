// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds every style the chat view renders with.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	ColorProfile termenv.Profile

	// ==========================================================================
	// HEADER STYLES
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style
	HeaderState lipgloss.Style

	// ==========================================================================
	// MESSAGE STYLES
	// ==========================================================================

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	Content        lipgloss.Style
	Reasoning      lipgloss.Style
	Message        lipgloss.Style
	Selected       lipgloss.Style
	Indicator      lipgloss.Style
	Source         lipgloss.Style
	Suggestion     lipgloss.Style
	Metrics        lipgloss.Style

	// Turn outcome
	Stopped lipgloss.Style
	Errored lipgloss.Style
	Liked   lipgloss.Style
	Dislike lipgloss.Style

	// ==========================================================================
	// INPUT AND STATUS STYLES
	// ==========================================================================

	Input     lipgloss.Style
	StatusBar lipgloss.Style
	Toggle    lipgloss.Style
	ToggleOn  lipgloss.Style
	Help      lipgloss.Style
}

// NewTheme creates a theme for the current terminal.
func NewTheme() *Theme {
	return NewThemeWithProfile(termenv.ColorProfile(), termenv.HasDarkBackground())
}

// NewThemeWithProfile creates a theme for an explicit color profile. Ascii
// renders without any color.
func NewThemeWithProfile(profile termenv.Profile, isDark bool) *Theme {
	t := &Theme{
		IsDark:       isDark,
		ColorProfile: profile,
	}
	t.initStyles()
	return t
}

// initStyles initializes all the lip gloss styles.
func (t *Theme) initStyles() {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(t.ColorProfile)
	r.SetHasDarkBackground(t.IsDark)
	style := r.NewStyle

	// Header
	t.Header = style().
		Background(SurfaceDim).
		Padding(0, 1)
	t.HeaderTitle = style().
		Bold(true).
		Foreground(Purple)
	t.HeaderState = style().
		Foreground(TextSecondary).
		Italic(true)

	// Messages
	t.UserLabel = style().Bold(true).Foreground(UserLabelFg)
	t.AssistantLabel = style().Bold(true).Foreground(AssistantLabelFg)
	t.Content = style().Foreground(TextPrimary)
	t.Reasoning = style().
		Foreground(TextSecondary).
		Italic(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(Overlay).
		PaddingLeft(1)
	t.Message = style().
		BorderStyle(lipgloss.HiddenBorder()).
		BorderLeft(true).
		PaddingLeft(1)
	t.Selected = style().
		BorderStyle(lipgloss.ThickBorder()).
		BorderLeft(true).
		BorderForeground(SelectedBorder).
		PaddingLeft(1)
	t.Indicator = style().Foreground(Cyan)
	t.Source = style().Foreground(TextSecondary).Underline(true)
	t.Suggestion = style().Foreground(Cyan).Italic(true)
	t.Metrics = style().Foreground(TextMuted)

	t.Stopped = style().Foreground(Amber)
	t.Errored = style().Foreground(Rose).Bold(true)
	t.Liked = style().Foreground(Emerald)
	t.Dislike = style().Foreground(Rose)

	// Input and status
	t.Input = style().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Purple).
		Padding(0, 1)
	t.StatusBar = style().
		Foreground(TextMuted).
		Background(SurfaceDim).
		Padding(0, 1)
	t.Toggle = style().Foreground(TextMuted)
	t.ToggleOn = style().Foreground(Emerald).Bold(true)
	t.Help = style().Foreground(TextMuted)
}
