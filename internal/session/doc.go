// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs chat turns against a conversation.
//
// A Controller owns one conversation and at most one active stream. Each
// turn gets a fresh StreamSession holding its demultiplexer, splitter,
// decryption key and render scheduler; a single goroutine feeds frames
// through a reducer and performs one authoritative merge when the turn ends.
//
// # Key Types
//
//   - Controller: Submit, Edit, Regenerate, Cancel and branch/version actions
//   - StreamSession: Handle for one in-flight turn
//   - State: Idle, Sending, Streaming, Finalizing, Cancelled, Errored
//   - Hooks: Callbacks for updates, titles and conversation ids
//
// # Usage
//
//	ctrl, err := session.NewController(conv, client, keys, session.DefaultOptions(), session.Hooks{
//	    OnUpdate: func(s session.Snapshot) { render(s) },
//	})
//	turn, err := ctrl.Submit(ctx, "hello", session.SubmitOptions{})
//	result := turn.Result()
//
// # Cancellation
//
// Cancel may be called any number of times from any goroutine. The reply
// keeps whatever answer text had arrived, followed by a stopped marker, and
// is excluded from the history sent with later requests.
package session
