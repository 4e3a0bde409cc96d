// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/veilchat/internal/model"
)

func newStore(t *testing.T) *ConversationStore {
	t.Helper()
	store, err := NewConversationStore(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

// newConv builds a one-turn conversation.
func newConv(t *testing.T, question, answer string) *model.Conversation {
	t.Helper()
	conv := model.NewConversationWithModel("veil-large")
	user := model.NewUserMessage(question)
	reply := model.NewPlaceholder("veil-large")
	require.NoError(t, conv.AppendOptimistic(user, reply))
	reply.Content = answer
	reply.Status = model.StatusComplete
	reply.IsThinking = false
	require.NoError(t, conv.SealVersion(reply.ID))
	return conv
}

// =============================================================================
// CONVERSATION STORE TESTS
// =============================================================================

func TestConversationStore_SaveAndLoad(t *testing.T) {
	store := newStore(t)
	conv := newConv(t, "Hello", "Hi there!")
	conv.ID = "srv-1"
	conv.Title = "Greeting"

	require.NoError(t, store.Save(conv))

	loaded, err := store.Load(conv.LocalID)
	require.NoError(t, err)
	require.Equal(t, "srv-1", loaded.ID)
	require.Equal(t, "Greeting", loaded.Title)
	require.Equal(t, conv.LeafID, loaded.LeafID)
	require.Equal(t, 2, loaded.Len())

	branch := loaded.Branch()
	require.Len(t, branch, 2)
	require.Equal(t, "Hello", branch[0].Content)
	require.Equal(t, "Hi there!", branch[1].Content)
	require.Equal(t, branch[0].ID, branch[1].ParentID)
}

func TestConversationStore_KeepsVersions(t *testing.T) {
	store := newStore(t)
	conv := newConv(t, "Pick a colour", "Blue")
	leaf := conv.LeafID

	m, err := conv.BeginNewVersion(leaf)
	require.NoError(t, err)
	m.Content = "Green"
	m.Status = model.StatusComplete
	require.NoError(t, conv.SealVersion(leaf))
	require.NoError(t, store.Save(conv))

	loaded, err := store.Load(conv.LocalID)
	require.NoError(t, err)
	got, ok := loaded.Get(leaf)
	require.True(t, ok)
	require.Equal(t, 2, got.VersionCount())
	require.Equal(t, "Green", got.Content)
	require.Equal(t, "Blue", got.Versions[0].Content)
}

func TestConversationStore_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	store := newStore(t)
	conv := newConv(t, "secret question", "secret answer")
	require.NoError(t, store.Save(conv))

	info, err := os.Stat(filepath.Join(store.BaseDir, conv.LocalID+".json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConversationStore_NotFoundAndInvalidID(t *testing.T) {
	store := newStore(t)

	_, err := store.Load("conv_missing")
	require.True(t, errors.Is(err, ErrConversationNotFound))
	require.True(t, errors.Is(store.Delete("conv_missing"), ErrConversationNotFound))

	for _, id := range []string{"", "..", "../escape", `a\b`} {
		_, err := store.Load(id)
		require.True(t, errors.Is(err, ErrInvalidID), id)
	}

	conv := newConv(t, "q", "a")
	conv.LocalID = "../outside"
	require.True(t, errors.Is(store.Save(conv), ErrInvalidID))
}

func TestConversationStore_Delete(t *testing.T) {
	store := newStore(t)
	conv := newConv(t, "Test", "ok")
	require.NoError(t, store.Save(conv))

	require.NoError(t, store.Delete(conv.LocalID))
	_, err := store.Load(conv.LocalID)
	require.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestConversationStore_ListSkipsCorruptFiles(t *testing.T) {
	store := newStore(t)

	convs, err := store.list()
	require.NoError(t, err)
	require.Empty(t, convs)

	base := time.Now().Add(-time.Hour)
	older := newConv(t, "first", "a")
	older.UpdatedAt = base
	newer := newConv(t, "second", "b")
	newer.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, store.Save(older))
	require.NoError(t, store.Save(newer))
	require.NoError(t, os.WriteFile(filepath.Join(store.BaseDir, "broken.json"), []byte("{"), 0600))

	convs, err = store.list()
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, newer.LocalID, convs[0].localID)
	require.Equal(t, older.LocalID, convs[1].localID)
}

func TestConversationStore_Clear(t *testing.T) {
	store := newStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(newConv(t, "q", "a")))
	}

	require.NoError(t, store.Clear())
	convs, err := store.list()
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestConversationStore_EnforceLimit(t *testing.T) {
	store := newStore(t)
	store.MaxConversations = 2

	base := time.Now().Add(-time.Hour)
	var convs []*model.Conversation
	for i := 0; i < 3; i++ {
		conv := newConv(t, "q", "a")
		conv.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		convs = append(convs, conv)
		require.NoError(t, store.Save(conv))
	}

	kept, err := store.list()
	require.NoError(t, err)
	require.Len(t, kept, 2)

	_, err = store.Load(convs[0].LocalID)
	require.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestConversationStore_UnicodeContent(t *testing.T) {
	store := newStore(t)
	conv := newConv(t, "日本語のテキスト 🎉", "Привет мир")
	require.NoError(t, store.Save(conv))

	loaded, err := store.Load(conv.LocalID)
	require.NoError(t, err)
	branch := loaded.Branch()
	require.Equal(t, "日本語のテキスト 🎉", branch[0].Content)
	require.Equal(t, "Привет мир", branch[1].Content)
}
