// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"encoding/base64"

	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/security"
)

// DefaultMaxHistory is the number of prior messages sent with a request.
const DefaultMaxHistory = 20

// =============================================================================
// REQUEST TYPES
// =============================================================================

// HistoryEntry is one prior message sent as context.
type HistoryEntry struct {
	Role    string `json:"role"`    // "user" or "assistant"
	Content string `json:"content"` // The message content
}

// EncryptedMessage is the user's message sealed to the server's public key.
// All fields are base64.
type EncryptedMessage struct {
	EncryptedContent string `json:"encrypted_content"`
	IV               string `json:"iv"`
	EncapsulatedKey  string `json:"encapsulated_key"`
}

// NewEncryptedMessage encodes an envelope for the wire.
func NewEncryptedMessage(env *security.Envelope) *EncryptedMessage {
	return &EncryptedMessage{
		EncryptedContent: base64.StdEncoding.EncodeToString(env.Ciphertext),
		IV:               base64.StdEncoding.EncodeToString(env.IV),
		EncapsulatedKey:  base64.StdEncoding.EncodeToString(env.EncapsulatedKey),
	}
}

// ChatRequest is the body of a streaming chat request.
type ChatRequest struct {
	Messages           []HistoryEntry    `json:"messages"`
	ConversationID     string            `json:"conversation_id"`
	Model              string            `json:"model"`
	PublicKey          string            `json:"public_key"`
	Message            string            `json:"message,omitempty"`
	EncryptedMessage   *EncryptedMessage `json:"encrypted_message,omitempty"`
	ThinkingMode       bool              `json:"thinking_mode"`
	WebSearch          bool              `json:"web_search"`
	ParentMessageID    string            `json:"parent_message_id,omitempty"`
	UserMessageID      string            `json:"user_message_id"`
	AssistantMessageID string            `json:"assistant_message_id"`
	Regenerate         bool              `json:"regenerate,omitempty"`
}

// =============================================================================
// HISTORY
// =============================================================================

// TrimHistory converts a displayed branch into request context. Only
// authoritative user and assistant messages with content are kept, and at
// most limit of the most recent ones. A non-positive limit selects
// DefaultMaxHistory.
func TrimHistory(branch []*model.Message, limit int) []HistoryEntry {
	if limit <= 0 {
		limit = DefaultMaxHistory
	}

	entries := make([]HistoryEntry, 0, len(branch))
	for _, m := range branch {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		if !m.Authoritative() || m.Content == "" {
			continue
		}
		entries = append(entries, HistoryEntry{Role: m.Role.String(), Content: m.Content})
	}

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
