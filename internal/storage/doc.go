// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for veilchat.
//
// Each conversation is one JSON file holding its full message arena, so
// every branch and version survives a restart.
//
// # Key Types
//
//   - ConversationStore: File-backed store; satisfies session.Store
//
// # Usage
//
//	store, err := storage.NewConversationStore(cfg.Storage.Dir, logger)
//	err = store.Save(conv)
//
//	conv, err = store.Load(conv.LocalID)
//
// Once MaxConversations is exceeded, the least recently updated files are
// pruned on save.
//
// # Storage Location
//
// Conversations are stored in ~/.veilchat/conversations/ as 0600 JSON files.
package storage
