// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package styles provides the visual styling system for the veilchat TUI.

All colors use Lip Gloss AdaptiveColor for automatic light/dark terminal
detection.

# Color System (colors.go)

  - Purple - Primary accent and assistant labels
  - Cyan - User highlights and version indicators
  - Emerald - Completed turns and liked replies
  - Amber - Stopped turns
  - Rose - Errored turns and disliked replies

# Theme (theme.go)

Theme groups the styles for the header, messages, reasoning blocks, the
input box and the status bar. NewTheme detects the terminal with termenv;
NewThemeWithProfile pins a profile, which tests use with termenv.Ascii.

# Usage

	theme := styles.NewTheme()
	label := theme.AssistantLabel.Render("Assistant")
*/
package styles
