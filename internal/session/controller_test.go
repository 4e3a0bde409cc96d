// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/veilchat/internal/inference"
	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/security"
	"github.com/jeranaias/veilchat/internal/stream"
)

// =============================================================================
// HELPERS
// =============================================================================

type reply func(ctx context.Context) (*inference.Response, error)

// fakeTransport records requests and answers them with scripted replies.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*inference.ChatRequest
	replies  []reply
}

func (f *fakeTransport) Stream(ctx context.Context, req *inference.ChatRequest) (*inference.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	var r reply
	if idx < len(f.replies) {
		r = f.replies[idx]
	}
	f.mu.Unlock()
	if r == nil {
		return nil, errors.New("no scripted reply")
	}
	return r(ctx)
}

func (f *fakeTransport) request(i int) *inference.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func bodyReply(conversationID string, frames ...string) reply {
	return readerReply(conversationID, io.NopCloser(strings.NewReader(strings.Join(frames, ""))))
}

func readerReply(conversationID string, body io.ReadCloser) reply {
	return func(context.Context) (*inference.Response, error) {
		return &inference.Response{Body: body, ConversationID: conversationID, RequestID: "req-1"}, nil
	}
}

func dataFrame(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return "data: " + string(b) + "\n\n"
}

func eventFrame(t *testing.T, event string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return "event: " + event + "\ndata: " + string(b) + "\n\n"
}

func content(t *testing.T, s string) string {
	return dataFrame(t, map[string]string{"content": s})
}

const doneFrame = "data: [DONE]\n\n"

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// recorder collects hook calls.
type recorder struct {
	mu      sync.Mutex
	updates int
	states  []State
	titles  []string
	convIDs []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnUpdate: func(Snapshot) {
			r.mu.Lock()
			r.updates++
			r.mu.Unlock()
		},
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnTitle: func(title string) {
			r.mu.Lock()
			r.titles = append(r.titles, title)
			r.mu.Unlock()
		},
		OnConversationID: func(id string) {
			r.mu.Lock()
			r.convIDs = append(r.convIDs, id)
			r.mu.Unlock()
		},
	}
}

func newKeys(t *testing.T) *security.KeyPair {
	t.Helper()
	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)
	return keys
}

func newTestController(t *testing.T, tr Transport, keys *security.KeyPair, hooks Hooks, configure ...func(*Options)) *Controller {
	t.Helper()
	opts := DefaultOptions()
	opts.Model = "veil-large"
	opts.SettleDelay = 0
	for _, fn := range configure {
		fn(&opts)
	}
	ctrl, err := NewController(model.NewConversationWithModel("veil-large"), tr, keys, opts, hooks)
	require.NoError(t, err)
	return ctrl
}

func waitTurn(t *testing.T, s *StreamSession) TurnResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err, "turn did not finish")
	return res
}

func lastMessage(snap Snapshot) *model.Message {
	return snap.Messages[len(snap.Messages)-1]
}

// =============================================================================
// SUBMIT TESTS
// =============================================================================

func TestController_SubmitCompletes(t *testing.T) {
	search := model.Step{
		Type:    model.StepSearch,
		Queries: []string{"weather lisbon"},
		Results: []model.Source{{Title: "Forecast", URL: "https://example.com/f"}},
	}
	tr := &fakeTransport{}
	tr.replies = []reply{bodyReply("conv-1",
		content(t, "<think>plan the"),
		content(t, " reply</think>Hello"),
		eventFrame(t, stream.EventStep, map[string]any{"step": search}),
		content(t, " world"),
		eventFrame(t, stream.EventMetrics, model.Metrics{TTFT: 0.2, TPS: 40, TotalTime: 1.5}),
		dataFrame(t, map[string][]string{"suggestions": {"And tomorrow?"}}),
		doneFrame,
		content(t, "after done"),
	)}

	rec := &recorder{}
	ctrl := newTestController(t, tr, newKeys(t), rec.hooks())

	turn, err := ctrl.Submit(context.Background(), "what is the weather?", SubmitOptions{WebSearch: true})
	require.NoError(t, err)
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.NoError(t, res.Err)
	require.Equal(t, "req-1", res.RequestID)

	snap := ctrl.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, "conv-1", snap.ConversationID)
	require.Len(t, snap.Messages, 2)

	user, reply := snap.Messages[0], snap.Messages[1]
	require.Equal(t, model.StatusComplete, user.Status)
	require.Equal(t, "Hello world", reply.Content)
	require.Equal(t, "plan the reply", reply.Reasoning)
	require.Equal(t, model.StatusComplete, reply.Status)
	require.False(t, reply.IsThinking)
	require.Equal(t, []string{"And tomorrow?"}, reply.Suggestions)
	require.Equal(t, search.Results, reply.Sources)
	require.Equal(t, &model.Metrics{TTFT: 0.2, TPS: 40, TotalTime: 1.5}, reply.Metrics)
	require.Equal(t, "req-1", reply.CorrelationID)
	require.Len(t, reply.Steps, 2)
	require.Equal(t, model.StepReasoning, reply.Steps[0].Type)
	require.Equal(t, model.StepSearch, reply.Steps[1].Type)

	require.Equal(t, &model.Metrics{TTFT: 0.2, TPS: 40, TotalTime: 1.5}, ctrl.LastMetrics())

	req := tr.request(0)
	require.Equal(t, "what is the weather?", req.Message)
	require.Nil(t, req.EncryptedMessage)
	require.True(t, req.WebSearch)
	require.Empty(t, req.Messages)
	require.Empty(t, req.ParentMessageID)
	require.Equal(t, user.ID, req.UserMessageID)
	require.Equal(t, reply.ID, req.AssistantMessageID)
	require.NotEmpty(t, req.PublicKey)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []State{StateSending, StateStreaming, StateFinalizing, StateIdle}, rec.states)
	require.Equal(t, []string{"conv-1"}, rec.convIDs)
}

func TestController_SecondTurnCarriesHistory(t *testing.T) {
	tr := &fakeTransport{replies: []reply{
		bodyReply("conv-1", content(t, "a1"), doneFrame),
		bodyReply("conv-other", content(t, "a2"), doneFrame),
	}}
	rec := &recorder{}
	ctrl := newTestController(t, tr, newKeys(t), rec.hooks())

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)
	first := ctrl.Snapshot()

	turn, err = ctrl.Submit(context.Background(), "q2", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)

	req := tr.request(1)
	require.Equal(t, "conv-1", req.ConversationID)
	require.Equal(t, first.Messages[1].ID, req.ParentMessageID)
	require.Equal(t, []inference.HistoryEntry{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
	}, req.Messages)

	// The conversation id is only adopted once.
	require.Equal(t, "conv-1", ctrl.Snapshot().ConversationID)
	rec.mu.Lock()
	require.Equal(t, []string{"conv-1"}, rec.convIDs)
	rec.mu.Unlock()
}

func TestController_RejectsEmptyMessage(t *testing.T) {
	ctrl := newTestController(t, &fakeTransport{}, newKeys(t), Hooks{})
	_, err := ctrl.Submit(context.Background(), "  \n", SubmitOptions{})
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, ctrl.Snapshot().Messages)
}

// =============================================================================
// ENCRYPTION TESTS
// =============================================================================

func TestController_EncryptedStream(t *testing.T) {
	keys := newKeys(t)
	session, ek, err := security.NewSession(keys.PublicKey())
	require.NoError(t, err)

	encFrame := func(plaintext string, encapsulated []byte, corrupt bool) string {
		ct, iv, err := session.Seal([]byte(plaintext))
		require.NoError(t, err)
		if corrupt {
			ct[len(ct)-1] ^= 0xFF
		}
		payload := map[string]string{"encrypted_content": b64(ct), "iv": b64(iv)}
		if encapsulated != nil {
			payload["encapsulated_key"] = b64(encapsulated)
		}
		return dataFrame(t, payload)
	}

	title, err := security.Seal(keys.PublicKey(), []byte("Trip plans"))
	require.NoError(t, err)

	bogusKey := make([]byte, security.PublicKeySize)
	bogusKey[0] = 9

	tr := &fakeTransport{replies: []reply{bodyReply("",
		encFrame("Secret ", ek, false),
		encFrame("lost", nil, true),
		encFrame("message", nil, false),
		eventFrame(t, stream.EventChatTitle, map[string]string{
			"encrypted_title":  b64(title.Ciphertext),
			"iv":               b64(title.IV),
			"encapsulated_key": b64(title.EncapsulatedKey),
		}),
		// A later encapsulated key must not replace the session key.
		encFrame("!", bogusKey, false),
		doneFrame,
	)}}

	rec := &recorder{}
	ctrl := newTestController(t, tr, keys, rec.hooks())
	turn, err := ctrl.Submit(context.Background(), "hi", SubmitOptions{})
	require.NoError(t, err)
	res := waitTurn(t, turn)

	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, res.DecryptFailures)

	snap := ctrl.Snapshot()
	require.Equal(t, "Secret message!", lastMessage(snap).Content)
	require.Equal(t, "Trip plans", snap.Title)
	rec.mu.Lock()
	require.Equal(t, []string{"Trip plans"}, rec.titles)
	rec.mu.Unlock()
}

func TestController_SealsOutgoingMessage(t *testing.T) {
	serverKeys := newKeys(t)
	tr := &fakeTransport{replies: []reply{bodyReply("", content(t, "ok"), doneFrame)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{}, func(o *Options) {
		o.ServerPublicKey = serverKeys.PublicKey()
	})

	turn, err := ctrl.Submit(context.Background(), "for your eyes only", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)

	req := tr.request(0)
	require.Empty(t, req.Message)
	require.NotNil(t, req.EncryptedMessage)

	decode := func(s string) []byte {
		b, err := base64.StdEncoding.DecodeString(s)
		require.NoError(t, err)
		return b
	}
	key, err := serverKeys.Decapsulate(decode(req.EncryptedMessage.EncapsulatedKey))
	require.NoError(t, err)
	sk, err := security.NewSessionKey(key)
	require.NoError(t, err)
	plaintext, err := sk.Open(decode(req.EncryptedMessage.EncryptedContent), decode(req.EncryptedMessage.IV))
	require.NoError(t, err)
	require.Equal(t, "for your eyes only", string(plaintext))
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestController_CancelMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	tr := &fakeTransport{replies: []reply{
		readerReply("", pr),
		bodyReply("", content(t, "fresh"), doneFrame),
	}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	frames := content(t, "Hello") + content(t, " there")
	go io.WriteString(pw, frames)

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return lastMessage(ctrl.Snapshot()).Content == "Hello there"
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StateStreaming, ctrl.State())

	require.True(t, ctrl.Cancel())
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.NoError(t, res.Err)

	snap := ctrl.Snapshot()
	user, reply := snap.Messages[0], snap.Messages[1]
	require.Equal(t, "Hello there"+DefaultStoppedMarker, reply.Content)
	require.Equal(t, model.StatusStopped, reply.Status)
	require.Equal(t, model.StatusStopped, user.Status)
	require.False(t, reply.IsThinking)

	// A second cancel changes nothing.
	require.False(t, ctrl.Cancel())
	require.Equal(t, snap, ctrl.Snapshot())

	// The stopped turn is not part of the next request's context.
	turn, err = ctrl.Submit(context.Background(), "q2", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)
	req := tr.request(1)
	require.Empty(t, req.Messages)
	require.Empty(t, req.ParentMessageID)
}

func TestController_DoubleCancelWhileLive(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := &fakeTransport{replies: []reply{readerReply("", pr)}}
	rec := &recorder{}
	ctrl := newTestController(t, tr, newKeys(t), rec.hooks())

	go io.WriteString(pw, content(t, "Hello"))
	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return lastMessage(ctrl.Snapshot()).Content == "Hello"
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, ctrl.Cancel())
	require.False(t, ctrl.Cancel())
	require.Equal(t, OutcomeCancelled, waitTurn(t, turn).Outcome)

	reply := lastMessage(ctrl.Snapshot())
	require.Equal(t, "Hello"+DefaultStoppedMarker, reply.Content)
	require.Equal(t, model.StatusStopped, reply.Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	cancelled := 0
	for _, st := range rec.states {
		if st == StateCancelled {
			cancelled++
		}
	}
	require.Equal(t, 1, cancelled)
}

func TestController_StoppedTurnIsDeadEnd(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := &fakeTransport{replies: []reply{
		bodyReply("", content(t, "a1"), doneFrame),
		readerReply("", pr),
		bodyReply("", content(t, "fresh"), doneFrame),
	}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	first, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, first)

	go io.WriteString(pw, content(t, "Hello"))
	stopped, err := ctrl.Submit(context.Background(), "q2", SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return lastMessage(ctrl.Snapshot()).Content == "Hello"
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, ctrl.Cancel())
	require.Equal(t, OutcomeCancelled, waitTurn(t, stopped).Outcome)

	third, err := ctrl.Submit(context.Background(), "q3", SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, waitTurn(t, third).Outcome)

	req := tr.request(2)
	require.Equal(t, first.AssistantID(), req.ParentMessageID)

	ctrl.Conversation(func(conv *model.Conversation) {
		user3, ok := conv.Get(third.UserID())
		require.True(t, ok)
		require.Equal(t, req.ParentMessageID, user3.ParentID)

		require.False(t, conv.OnBranch(stopped.UserID()))
		require.False(t, conv.OnBranch(stopped.AssistantID()))
		reply, ok := conv.Get(stopped.AssistantID())
		require.True(t, ok)
		require.Equal(t, model.StatusStopped, reply.Status)
		require.Empty(t, conv.Children(stopped.AssistantID()))
	})

	var got []string
	for _, m := range ctrl.Snapshot().Messages {
		got = append(got, m.Content)
	}
	require.Equal(t, []string{"q1", "a1", "q3", "fresh"}, got)

	// The stopped turn stays reachable as a sibling branch.
	require.NoError(t, ctrl.SelectBranch(stopped.UserID()))
	require.Equal(t, stopped.AssistantID(), ctrl.Snapshot().LeafID)
}

func TestController_CancelKeepsHeldBackText(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := &fakeTransport{replies: []reply{readerReply("", pr)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	// "<" could open a reasoning marker, so the splitter holds it back.
	go io.WriteString(pw, content(t, "if a <"))
	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return lastMessage(ctrl.Snapshot()).Content == "if a "
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, ctrl.Cancel())
	require.Equal(t, OutcomeCancelled, waitTurn(t, turn).Outcome)
	require.Equal(t, "if a <"+DefaultStoppedMarker, lastMessage(ctrl.Snapshot()).Content)
}

func TestController_ReadErrorKeepsHeldBackText(t *testing.T) {
	pr, pw := io.Pipe()
	tr := &fakeTransport{replies: []reply{readerReply("", pr)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	go io.WriteString(pw, content(t, "x <"))
	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return lastMessage(ctrl.Snapshot()).Content == "x "
	}, 5*time.Second, 5*time.Millisecond)

	pw.CloseWithError(errors.New("connection reset"))
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeErrored, res.Outcome)
	var readErr *StreamReadError
	require.ErrorAs(t, res.Err, &readErr)
	require.Equal(t, "x <", readErr.Partial)

	reply := lastMessage(ctrl.Snapshot())
	require.Equal(t, "x <", reply.Content)
	require.Equal(t, model.StatusErrored, reply.Status)
}

func TestController_CancelDuringFinalizing(t *testing.T) {
	tr := &fakeTransport{replies: []reply{bodyReply("", content(t, "done text"), doneFrame)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{}, func(o *Options) {
		o.SettleDelay = time.Minute
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn, err := ctrl.Submit(ctx, "q1", SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ctrl.State() == StateFinalizing
	}, 5*time.Second, time.Millisecond)

	// The stream has ended; there is nothing left to abort.
	require.False(t, ctrl.Cancel())

	// The settle wait ends with the caller's context.
	cancel()
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	reply := lastMessage(ctrl.Snapshot())
	require.Equal(t, "done text", reply.Content)
	require.Equal(t, model.StatusComplete, reply.Status)
}

func TestController_CancelWithoutStream(t *testing.T) {
	ctrl := newTestController(t, &fakeTransport{}, newKeys(t), Hooks{})
	require.False(t, ctrl.Cancel())
	require.False(t, ctrl.Cancel())
	require.Equal(t, StateIdle, ctrl.State())
}

func TestController_OneActiveStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := &fakeTransport{replies: []reply{readerReply("", pr)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)

	_, err = ctrl.Submit(context.Background(), "q2", SubmitOptions{})
	require.ErrorIs(t, err, ErrStreamActive)
	_, err = ctrl.Regenerate(context.Background(), turn.AssistantID(), SubmitOptions{})
	require.ErrorIs(t, err, ErrStreamActive)
	require.ErrorIs(t, ctrl.CycleVersion(turn.AssistantID(), model.Next), ErrStreamActive)
	require.ErrorIs(t, ctrl.RestoreCheckpoint(turn.UserID()), ErrStreamActive)
	require.ErrorIs(t, ctrl.SetFeedback(turn.AssistantID(), model.FeedbackLike), ErrStreamActive)

	ctrl.Cancel()
	require.Equal(t, OutcomeCancelled, waitTurn(t, turn).Outcome)
	require.Len(t, ctrl.Snapshot().Messages, 2)
}

// =============================================================================
// ERROR TESTS
// =============================================================================

// memStore records what the controller persists.
type memStore struct {
	mu     sync.Mutex
	saves  int
	status model.Status
}

func (m *memStore) Save(conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if branch := conv.Branch(); len(branch) > 0 {
		m.status = branch[len(branch)-1].Status
	}
	return nil
}

func TestController_RequestBuildFailurePersists(t *testing.T) {
	store := &memStore{}
	tr := &fakeTransport{}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{}, func(o *Options) {
		o.ServerPublicKey = []byte("too short")
		o.Store = store
	})

	_, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.ErrorIs(t, err, security.ErrInvalidKey)
	require.Equal(t, StateIdle, ctrl.State())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.saves)
	require.Equal(t, model.StatusErrored, store.status)
}

func TestController_TransportError(t *testing.T) {
	tr := &fakeTransport{replies: []reply{func(context.Context) (*inference.Response, error) {
		return nil, &inference.TransportError{Status: http.StatusTooManyRequests, Message: "slow down", CorrelationID: "corr-9"}
	}}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeErrored, res.Outcome)
	require.ErrorIs(t, res.Err, inference.ErrRateLimited)

	snap := ctrl.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	user, reply := snap.Messages[0], snap.Messages[1]
	require.Equal(t, model.StatusErrored, reply.Status)
	require.Equal(t, "slow down", reply.ErrorMessage)
	require.Equal(t, "corr-9", reply.CorrelationID)
	require.Equal(t, model.StatusErrored, user.Status)
	require.False(t, reply.IsThinking)
}

func TestController_ServerErrorFrame(t *testing.T) {
	tr := &fakeTransport{replies: []reply{bodyReply("",
		content(t, "partial"),
		dataFrame(t, map[string]string{"message": "model overloaded"}),
		content(t, "ignored"),
	)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeErrored, res.Outcome)
	var serverErr *ServerError
	require.True(t, errors.As(res.Err, &serverErr))

	reply := lastMessage(ctrl.Snapshot())
	require.Equal(t, "model overloaded", reply.Content)
	require.Equal(t, model.StatusErrored, reply.Status)
}

// failingReader returns its data once, then a connection error.
type failingReader struct {
	data []byte
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset by peer")
}

func (r *failingReader) Close() error { return nil }

func TestController_ReadErrorKeepsPartial(t *testing.T) {
	body := &failingReader{data: []byte(content(t, "abc"))}
	tr := &fakeTransport{replies: []reply{readerReply("", body)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeErrored, res.Outcome)

	var readErr *StreamReadError
	require.True(t, errors.As(res.Err, &readErr))
	require.Equal(t, "abc", readErr.Partial)

	reply := lastMessage(ctrl.Snapshot())
	require.Equal(t, "abc", reply.Content)
	require.Equal(t, model.StatusErrored, reply.Status)
}

func TestController_DropsMalformedFrames(t *testing.T) {
	tr := &fakeTransport{replies: []reply{bodyReply("",
		content(t, "one "),
		"data: {not json\n\n",
		"event: mystery\ndata: {}\n\n",
		content(t, "two"),
		doneFrame,
	)}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	res := waitTurn(t, turn)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 2, res.DroppedFrames)
	require.Equal(t, "one two", lastMessage(ctrl.Snapshot()).Content)
}

// =============================================================================
// BRANCH AND VERSION TESTS
// =============================================================================

func TestController_RegenerateCreatesVersions(t *testing.T) {
	tr := &fakeTransport{replies: []reply{
		bodyReply("", content(t, "first"), doneFrame),
		bodyReply("", content(t, "second"), doneFrame),
	}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)
	assistantID := turn.AssistantID()

	turn, err = ctrl.Regenerate(context.Background(), assistantID, SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, assistantID, turn.AssistantID())
	waitTurn(t, turn)

	req := tr.request(1)
	require.True(t, req.Regenerate)
	require.Equal(t, "q1", req.Message)
	require.Equal(t, assistantID, req.AssistantMessageID)
	require.Empty(t, req.Messages)

	reply := lastMessage(ctrl.Snapshot())
	require.Equal(t, "second", reply.Content)
	require.Equal(t, 2, reply.VersionCount())
	require.Equal(t, 1, reply.CurrentVersionIndex)

	require.NoError(t, ctrl.CycleVersion(assistantID, model.Prev))
	require.Equal(t, "first", lastMessage(ctrl.Snapshot()).Content)
	require.NoError(t, ctrl.CycleVersion(assistantID, model.Prev))
	require.Equal(t, "second", lastMessage(ctrl.Snapshot()).Content)
}

func TestController_EditBranches(t *testing.T) {
	tr := &fakeTransport{replies: []reply{
		bodyReply("", content(t, "a1"), doneFrame),
		bodyReply("", content(t, "a1 edited"), doneFrame),
	}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)
	originalUser := turn.UserID()

	turn, err = ctrl.Edit(context.Background(), originalUser, "q1 edited", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, turn)

	snap := ctrl.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "q1 edited", snap.Messages[0].Content)
	require.Equal(t, "a1 edited", snap.Messages[1].Content)
	require.Empty(t, tr.request(1).Messages)

	require.NoError(t, ctrl.SelectBranch(originalUser))
	snap = ctrl.Snapshot()
	require.Equal(t, "q1", snap.Messages[0].Content)
	require.Equal(t, "a1", snap.Messages[1].Content)
}

func TestController_RestoreCheckpointAndFeedback(t *testing.T) {
	tr := &fakeTransport{replies: []reply{
		bodyReply("", content(t, "a1"), doneFrame),
		bodyReply("", content(t, "a2"), doneFrame),
	}}
	ctrl := newTestController(t, tr, newKeys(t), Hooks{})

	first, err := ctrl.Submit(context.Background(), "q1", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, first)
	second, err := ctrl.Submit(context.Background(), "q2", SubmitOptions{})
	require.NoError(t, err)
	waitTurn(t, second)
	require.Len(t, ctrl.Snapshot().Messages, 4)

	require.NoError(t, ctrl.SetFeedback(first.AssistantID(), model.FeedbackLike))
	require.NoError(t, ctrl.RestoreCheckpoint(first.AssistantID()))

	snap := ctrl.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, first.AssistantID(), snap.LeafID)
	require.Equal(t, model.FeedbackLike, snap.Messages[1].Feedback)

	require.ErrorIs(t, ctrl.RestoreCheckpoint(second.AssistantID()), model.ErrMessageNotFound)
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestController_OverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inference.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set(inference.HeaderConversationID, "conv-http")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, piece := range []string{"<thi", "nk>checking</thi", "nk>Echo: ", req.Message} {
			b, _ := json.Marshal(map[string]string{"content": piece})
			io.WriteString(w, "data: "+string(b)+"\n\n")
			flusher.Flush()
		}
		io.WriteString(w, doneFrame)
	}))
	defer server.Close()

	client := inference.NewClient(server.URL, "test-key")
	ctrl := newTestController(t, client, newKeys(t), Hooks{})

	turn, err := ctrl.Submit(context.Background(), "ping", SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, waitTurn(t, turn).Outcome)

	snap := ctrl.Snapshot()
	require.Equal(t, "conv-http", snap.ConversationID)
	reply := lastMessage(snap)
	require.Equal(t, "Echo: ping", reply.Content)
	require.Equal(t, "checking", reply.Reasoning)
}
