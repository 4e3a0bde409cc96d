// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/util"
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists conversations as one JSON file each, keyed by
// the conversation's LocalID. It is safe for concurrent use.
type ConversationStore struct {
	// BaseDir is the directory for storing conversations
	// Default: ~/.veilchat/conversations/
	BaseDir string

	// MaxConversations limits stored conversations (0 = unlimited)
	MaxConversations int

	logger *zap.Logger
	mu     sync.Mutex
}

// NewConversationStore creates a store rooted at baseDir, creating the
// directory with owner-only permissions.
func NewConversationStore(baseDir string, logger *zap.Logger) (*ConversationStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationStore{
		BaseDir:          baseDir,
		MaxConversations: 100,
		logger:           logger,
	}, nil
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save writes conv to disk. The file holds the whole message arena, so every
// version and branch survives a restart.
func (s *ConversationStore) Save(conv *model.Conversation) error {
	if conv == nil {
		return errors.New("nil conversation")
	}
	path, err := s.filePath(conv.LocalID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Conversations can hold decrypted content, so they stay owner-only.
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return err
	}

	if s.MaxConversations > 0 {
		s.enforceLimitLocked()
	}
	return nil
}

// enforceLimitLocked removes the least recently updated conversations.
func (s *ConversationStore) enforceLimitLocked() {
	convs, err := s.list()
	if err != nil || len(convs) <= s.MaxConversations {
		return
	}

	for _, c := range convs[s.MaxConversations:] {
		if err := s.remove(c.localID); err != nil {
			s.logger.Warn("prune conversation failed",
				zap.String("local_id", c.localID), zap.Error(err))
		}
	}
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by its local ID.
func (s *ConversationStore) Load(localID string) (*model.Conversation, error) {
	path, err := s.filePath(localID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	conv := &model.Conversation{}
	if err := json.Unmarshal(data, conv); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if conv.LocalID == "" {
		conv.LocalID = localID
	}
	return conv, nil
}

// =============================================================================
// PRUNING
// =============================================================================

// stored is a saved conversation as seen by the pruner.
type stored struct {
	localID   string
	updatedAt time.Time
}

// list returns saved conversations, most recent first. Files that fail to
// decode are skipped.
func (s *ConversationStore) list() ([]stored, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]stored, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")

		conv, err := s.Load(id)
		if err != nil {
			s.logger.Debug("skipping unreadable conversation",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		out = append(out, stored{localID: conv.LocalID, updatedAt: conv.UpdatedAt})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].updatedAt.After(out[j].updatedAt)
	})
	return out, nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation by local ID.
func (s *ConversationStore) Delete(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(localID)
}

func (s *ConversationStore) remove(localID string) error {
	path, err := s.filePath(localID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// Clear removes all saved conversations.
func (s *ConversationStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			if err := os.Remove(filepath.Join(s.BaseDir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// filePath maps a local ID to its file, rejecting IDs that would escape
// BaseDir.
func (s *ConversationStore) filePath(localID string) (string, error) {
	if localID == "" || localID == "." || localID == ".." ||
		strings.ContainsAny(localID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, localID)
	}
	return filepath.Join(s.BaseDir, localID+".json"), nil
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidID is returned for local IDs that cannot name a file.
	ErrInvalidID = errors.New("invalid conversation id")
)
