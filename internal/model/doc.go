// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// A Conversation is an arena of messages keyed by id. Each message points at
// its parent through ParentID, so edits and regenerations grow the tree
// instead of overwriting it. What the user sees is always one root-to-leaf
// path, computed by LinearBranch from the conversation's LeafID.
//
// # Key Types
//
//   - Conversation: Arena of messages plus the selected leaf
//   - Message: One turn with content, reasoning, steps, sources and versions
//   - MessageVersion: Sealed snapshot of a message's displayed fields
//   - Step: Tagged union of reasoning, search, code and tool activity
//
// # Usage
//
// Start a turn and display it:
//
//	conv := model.NewConversation()
//	user := model.NewUserMessage("Hello!")
//	reply := model.NewPlaceholder("veil-large")
//	if err := conv.AppendOptimistic(user, reply); err != nil {
//	    return err
//	}
//	for _, m := range conv.Branch() {
//	    fmt.Println(m.Role.DisplayName(), m.Content)
//	}
//
// Regenerate a reply and flip between its versions:
//
//	conv.BeginNewVersion(reply.ID)
//	conv.CycleVersion(reply.ID, model.Prev)
package model
