// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Conversation operations.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrParentNotFound  = errors.New("parent message not found")
	ErrDuplicateID     = errors.New("duplicate message id")
	ErrNotOnBranch     = errors.New("message is not on the displayed branch")
	ErrWrongRole       = errors.New("operation not valid for message role")
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an arena of messages linked by ParentID references.
//
// Messages form a forest: edits and regenerations add siblings rather than
// replacing anything. LeafID selects which root-to-leaf path is displayed.
// A Conversation is not safe for concurrent use.
type Conversation struct {
	// Identity. ID is empty until the server assigns one.
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LeafID is the last message of the displayed branch.
	LeafID string `json:"leaf_id"`

	// LocalID names the conversation on disk before the server assigns ID.
	LocalID string `json:"local_id"`

	messages map[string]*Message
	order    []string
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		LocalID:   "conv_" + uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		messages:  make(map[string]*Message),
	}
}

// NewConversationWithModel creates a new conversation with a specific model.
func NewConversationWithModel(model string) *Conversation {
	conv := NewConversation()
	conv.Model = model
	return conv
}

// =============================================================================
// ARENA ACCESS
// =============================================================================

// Add inserts m into the arena without changing the displayed branch.
func (c *Conversation) Add(m *Message) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("add message: %w", ErrMessageNotFound)
	}
	if c.messages == nil {
		c.messages = make(map[string]*Message)
	}
	if _, ok := c.messages[m.ID]; ok {
		return fmt.Errorf("add %s: %w", m.ID, ErrDuplicateID)
	}
	if m.ParentID != "" {
		if _, ok := c.messages[m.ParentID]; !ok {
			return fmt.Errorf("add %s: %w: %s", m.ID, ErrParentNotFound, m.ParentID)
		}
	}
	c.messages[m.ID] = m
	c.order = append(c.order, m.ID)
	c.UpdatedAt = time.Now()
	return nil
}

// Get returns the message with the given id.
func (c *Conversation) Get(id string) (*Message, bool) {
	m, ok := c.messages[id]
	return m, ok
}

// Len returns the number of messages across all branches.
func (c *Conversation) Len() int {
	return len(c.order)
}

// All returns every message in insertion order.
func (c *Conversation) All() []*Message {
	out := make([]*Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.messages[id])
	}
	return out
}

// Index returns the id-keyed view of the arena used by LinearBranch.
func (c *Conversation) Index() map[string]*Message {
	return c.messages
}

// Children returns the direct replies to id in insertion order. An empty id
// returns the roots.
func (c *Conversation) Children(id string) []*Message {
	var out []*Message
	for _, mid := range c.order {
		if m := c.messages[mid]; m.ParentID == id {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// BRANCH TRAVERSAL
// =============================================================================

// LinearBranch walks ParentID references from leafID back to a root and
// returns the path root first. It returns nil when leafID is unknown.
// A reference cycle or a dangling parent ends the walk at the last message
// reached.
func LinearBranch(history map[string]*Message, leafID string) []*Message {
	var path []*Message
	seen := make(map[string]struct{})
	for id := leafID; id != ""; {
		m, ok := history[id]
		if !ok {
			break
		}
		if _, dup := seen[id]; dup {
			break
		}
		seen[id] = struct{}{}
		path = append(path, m)
		id = m.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Branch returns the displayed root-to-leaf path.
func (c *Conversation) Branch() []*Message {
	return LinearBranch(c.messages, c.LeafID)
}

// OnBranch reports whether id is on the displayed branch.
func (c *Conversation) OnBranch(id string) bool {
	for _, m := range c.Branch() {
		if m.ID == id {
			return true
		}
	}
	return false
}

// LastAuthoritative returns the nearest ancestor of id (inclusive) whose
// content the server has confirmed, or nil when there is none.
func (c *Conversation) LastAuthoritative(id string) *Message {
	path := LinearBranch(c.messages, id)
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Authoritative() {
			return path[i]
		}
	}
	return nil
}

// ResumePoint returns the id a new turn attaches to: the nearest ancestor
// of the leaf (inclusive) that is authoritative and not a user message.
// Stopped and errored replies are skipped so they stay dead-end leaves.
// It returns "" when the next turn starts a new root.
func (c *Conversation) ResumePoint() string {
	path := LinearBranch(c.messages, c.LeafID)
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role != RoleUser && path[i].Authoritative() {
			return path[i].ID
		}
	}
	return ""
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AppendOptimistic attaches a user message and its assistant placeholder to
// the end of the displayed branch and makes the placeholder the new leaf.
func (c *Conversation) AppendOptimistic(user, placeholder *Message) error {
	return c.attachTurn(c.LeafID, user, placeholder)
}

// AppendAfter attaches a user message and its assistant placeholder below
// parentID ("" for a new root) and makes the placeholder the new leaf.
func (c *Conversation) AppendAfter(parentID string, user, placeholder *Message) error {
	if parentID != "" {
		if _, ok := c.messages[parentID]; !ok {
			return fmt.Errorf("append after %s: %w", parentID, ErrParentNotFound)
		}
	}
	return c.attachTurn(parentID, user, placeholder)
}

// BranchFromEdit adds user as a sibling of the edited user message, followed
// by placeholder, and displays the new branch. The edited message and its
// descendants are left untouched.
func (c *Conversation) BranchFromEdit(editedID string, user, placeholder *Message) error {
	edited, ok := c.messages[editedID]
	if !ok {
		return fmt.Errorf("edit %s: %w", editedID, ErrMessageNotFound)
	}
	if edited.Role != RoleUser {
		return fmt.Errorf("edit %s: %w", editedID, ErrWrongRole)
	}
	return c.attachTurn(edited.ParentID, user, placeholder)
}

func (c *Conversation) attachTurn(parentID string, user, placeholder *Message) error {
	if user == nil || placeholder == nil {
		return fmt.Errorf("attach turn: %w", ErrMessageNotFound)
	}
	if _, ok := c.messages[user.ID]; ok {
		return fmt.Errorf("attach turn %s: %w", user.ID, ErrDuplicateID)
	}
	if _, ok := c.messages[placeholder.ID]; ok || placeholder.ID == user.ID {
		return fmt.Errorf("attach turn %s: %w", placeholder.ID, ErrDuplicateID)
	}

	user.ParentID = parentID
	placeholder.ParentID = user.ID
	if err := c.Add(user); err != nil {
		return err
	}
	if err := c.Add(placeholder); err != nil {
		return err
	}
	c.LeafID = placeholder.ID
	return nil
}

// BeginNewVersion opens a fresh version on an assistant message and resets
// its displayed fields to the thinking state. The message becomes the leaf.
func (c *Conversation) BeginNewVersion(id string) (*Message, error) {
	m, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("begin version %s: %w", id, ErrMessageNotFound)
	}
	if m.Role != RoleAssistant {
		return nil, fmt.Errorf("begin version %s: %w", id, ErrWrongRole)
	}
	m.beginVersion(time.Now())
	c.LeafID = id
	c.UpdatedAt = time.Now()
	return m, nil
}

// SealVersion freezes the displayed fields of id into its selected version.
func (c *Conversation) SealVersion(id string) error {
	m, ok := c.messages[id]
	if !ok {
		return fmt.Errorf("seal version %s: %w", id, ErrMessageNotFound)
	}
	m.sealCurrent()
	return nil
}

// CycleVersion selects the previous or next version of id, wrapping at
// both ends, and shows it.
func (c *Conversation) CycleVersion(id string, dir Direction) (*Message, error) {
	m, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("cycle version %s: %w", id, ErrMessageNotFound)
	}
	m.cycle(dir)
	return m, nil
}

// TruncateAfter removes every descendant of checkpointID and makes the
// checkpoint the leaf. The checkpoint must be on the displayed branch.
// It returns the ids that were removed.
func (c *Conversation) TruncateAfter(checkpointID string) ([]string, error) {
	if _, ok := c.messages[checkpointID]; !ok {
		return nil, fmt.Errorf("truncate after %s: %w", checkpointID, ErrMessageNotFound)
	}
	if !c.OnBranch(checkpointID) {
		return nil, fmt.Errorf("truncate after %s: %w", checkpointID, ErrNotOnBranch)
	}

	doomed := make(map[string]struct{})
	frontier := []string{checkpointID}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, child := range c.Children(parent) {
			if _, seen := doomed[child.ID]; seen {
				continue
			}
			doomed[child.ID] = struct{}{}
			frontier = append(frontier, child.ID)
		}
	}

	var removed []string
	kept := c.order[:0]
	for _, id := range c.order {
		if _, ok := doomed[id]; ok {
			delete(c.messages, id)
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	c.LeafID = checkpointID
	c.UpdatedAt = time.Now()
	return removed, nil
}

// Siblings returns the messages sharing id's parent and role, including id
// itself, in insertion order.
func (c *Conversation) Siblings(id string) ([]*Message, error) {
	m, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("siblings of %s: %w", id, ErrMessageNotFound)
	}
	var out []*Message
	for _, s := range c.Children(m.ParentID) {
		if s.Role == m.Role {
			out = append(out, s)
		}
	}
	return out, nil
}

// SelectBranch displays the branch through id, following the most recent
// reply at each level below it.
func (c *Conversation) SelectBranch(id string) error {
	if _, ok := c.messages[id]; !ok {
		return fmt.Errorf("select branch %s: %w", id, ErrMessageNotFound)
	}
	leaf := id
	seen := map[string]struct{}{id: {}}
	for {
		children := c.Children(leaf)
		if len(children) == 0 {
			break
		}
		next := children[len(children)-1].ID
		if _, dup := seen[next]; dup {
			break
		}
		seen[next] = struct{}{}
		leaf = next
	}
	c.LeafID = leaf
	return nil
}

// SetFeedback records the user's rating of an assistant message.
func (c *Conversation) SetFeedback(id string, fb Feedback) error {
	m, ok := c.messages[id]
	if !ok {
		return fmt.Errorf("set feedback %s: %w", id, ErrMessageNotFound)
	}
	if m.Role != RoleAssistant || !fb.Valid() {
		return fmt.Errorf("set feedback %s: %w", id, ErrWrongRole)
	}
	m.Feedback = fb
	return nil
}

// =============================================================================
// SERIALIZATION
// =============================================================================

type conversationJSON struct {
	ID        string     `json:"id"`
	LocalID   string     `json:"local_id"`
	Title     string     `json:"title"`
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LeafID    string     `json:"leaf_id"`
	Messages  []*Message `json:"messages"`
}

// MarshalJSON writes the arena as a flat message list in insertion order.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(conversationJSON{
		ID:        c.ID,
		LocalID:   c.LocalID,
		Title:     c.Title,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		LeafID:    c.LeafID,
		Messages:  c.All(),
	})
}

// UnmarshalJSON rebuilds the arena. Messages must be listed parents first.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw conversationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Conversation{
		ID:        raw.ID,
		LocalID:   raw.LocalID,
		Title:     raw.Title,
		Model:     raw.Model,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
		messages:  make(map[string]*Message, len(raw.Messages)),
	}
	for _, m := range raw.Messages {
		if err := c.Add(m); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	}
	c.LeafID = raw.LeafID
	c.UpdatedAt = raw.UpdatedAt
	return nil
}
