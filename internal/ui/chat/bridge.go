// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/veilchat/internal/session"
)

// =============================================================================
// MESSAGES
// =============================================================================

// SnapshotMsg carries the latest displayed conversation.
type SnapshotMsg struct {
	Snapshot session.Snapshot
}

// TitleMsg reports a decrypted conversation title.
type TitleMsg struct {
	Title string
}

// TurnEndMsg reports a finished turn.
type TurnEndMsg struct {
	Result session.TurnResult
}

// bridgeClosedMsg is returned by Listen after Close.
type bridgeClosedMsg struct{}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge turns controller hooks into Bubble Tea messages.
//
// Snapshots are latest-wins: the controller already paces them, and a slow
// terminal only ever needs the newest one. Titles and turn ends are queued.
type Bridge struct {
	mu     sync.Mutex
	latest *session.Snapshot

	ready  chan struct{}
	events chan tea.Msg
	done   chan struct{}
	once   sync.Once
}

// NewBridge creates an open bridge.
func NewBridge() *Bridge {
	return &Bridge{
		ready:  make(chan struct{}, 1),
		events: make(chan tea.Msg, 16),
		done:   make(chan struct{}),
	}
}

// Hooks returns controller hooks that feed the bridge. They never block
// once the bridge is closed.
func (b *Bridge) Hooks() session.Hooks {
	return session.Hooks{
		OnUpdate: b.publish,
		OnTitle: func(title string) {
			b.send(TitleMsg{Title: title})
		},
		OnTurnEnd: func(res session.TurnResult) {
			b.send(TurnEndMsg{Result: res})
		},
	}
}

func (b *Bridge) publish(snap session.Snapshot) {
	b.mu.Lock()
	b.latest = &snap
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.events <- msg:
	case <-b.done:
	}
}

// Listen returns a command that waits for the next bridged message.
func (b *Bridge) Listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.events:
			return msg
		case <-b.ready:
			b.mu.Lock()
			snap := b.latest
			b.latest = nil
			b.mu.Unlock()
			if snap == nil {
				return b.Listen()()
			}
			return SnapshotMsg{Snapshot: *snap}
		case <-b.done:
			return bridgeClosedMsg{}
		}
	}
}

// Close releases any hook blocked on a full queue.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
}
