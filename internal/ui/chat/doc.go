// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package chat provides the interactive chat screen for veilchat.

The screen is a Bubble Tea model that renders whatever the session
controller reports and turns key presses into controller calls. It holds no
conversation state of its own beyond the latest snapshot.

# Key Types

  - Model: the Bubble Tea model (header, message viewport, input, status bar)
  - Controller: the subset of session.Controller the screen drives
  - Bridge: adapts controller hooks to Bubble Tea messages
  - KeyMap: key bindings shown in the help view

# Usage

	bridge := chat.NewBridge()
	ctrl, err := session.NewController(conv, client, keys, opts, bridge.Hooks())
	if err != nil {
		return err
	}
	m := chat.New(ctx, ctrl, bridge, styles.NewTheme(), chat.Options{ModelName: opts.Model})
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()

Snapshots arrive already paced by the controller's render scheduler. The
bridge keeps only the newest one, so a slow terminal never backs up the
stream.
*/
package chat
