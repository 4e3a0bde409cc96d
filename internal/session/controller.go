// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/veilchat/internal/inference"
	"github.com/jeranaias/veilchat/internal/metrics"
	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/security"
	"github.com/jeranaias/veilchat/internal/stream"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultSettleDelay is how long Finalizing waits before the
	// authoritative merge.
	DefaultSettleDelay = 50 * time.Millisecond

	// DefaultStoppedMarker is appended to the content of a cancelled reply.
	DefaultStoppedMarker = "\n\n_[stopped]_"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Transport opens a streaming chat response.
type Transport interface {
	Stream(ctx context.Context, req *inference.ChatRequest) (*inference.Response, error)
}

// Store persists a conversation after every settled change.
type Store interface {
	Save(conv *model.Conversation) error
}

// Options configures a Controller.
type Options struct {
	Model         string
	MaxHistory    int
	RenderFPS     int
	SettleDelay   time.Duration
	StoppedMarker string
	Markers       []stream.MarkerPair

	// ServerPublicKey, when set, seals outgoing user messages.
	ServerPublicKey []byte

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Store   Store

	// NewTimer overrides the render scheduler's timer.
	NewTimer stream.TimerFunc
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxHistory:    inference.DefaultMaxHistory,
		RenderFPS:     stream.DefaultRenderFPS,
		SettleDelay:   DefaultSettleDelay,
		StoppedMarker: DefaultStoppedMarker,
		Markers:       stream.DefaultMarkers,
	}
}

// Hooks are called from the controller's goroutines without any lock held.
// They must not block for long.
type Hooks struct {
	OnUpdate         func(Snapshot)
	OnState          func(State)
	OnTitle          func(title string)
	OnConversationID func(id string)
	OnTurnEnd        func(TurnResult)
}

// SubmitOptions are per-request toggles.
type SubmitOptions struct {
	ThinkingMode bool
	WebSearch    bool
}

// Snapshot is a copy of the displayed conversation.
type Snapshot struct {
	ConversationID string
	Title          string
	State          State
	LeafID         string
	Messages       []*model.Message
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller drives one conversation: it owns the message arena, runs at
// most one stream at a time and applies user actions between streams.
type Controller struct {
	mu sync.Mutex

	conv      *model.Conversation
	transport Transport
	keys      *security.KeyPair
	decryptor *security.Decryptor
	opts      Options
	hooks     Hooks
	logger    *zap.Logger

	state       State
	active      *StreamSession
	lastMetrics *model.Metrics

	now func() time.Time
}

// NewController creates a controller for conv. keys decrypt the streams the
// server sends back to this client.
func NewController(conv *model.Conversation, transport Transport, keys *security.KeyPair, opts Options, hooks Hooks) (*Controller, error) {
	if conv == nil {
		conv = model.NewConversationWithModel(opts.Model)
	}
	if transport == nil {
		return nil, fmt.Errorf("new controller: transport is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("new controller: key pair is required")
	}
	if len(opts.Markers) == 0 {
		opts.Markers = stream.DefaultMarkers
	}
	if err := stream.ValidateMarkers(opts.Markers); err != nil {
		return nil, fmt.Errorf("new controller: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Model == "" {
		opts.Model = conv.Model
	}

	return &Controller{
		conv:      conv,
		transport: transport,
		keys:      keys,
		decryptor: security.NewDecryptor(keys),
		opts:      opts,
		hooks:     hooks,
		logger:    opts.Logger,
		now:       time.Now,
	}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the displayed branch.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LastMetrics returns the metrics of the most recent turn that reported any.
// It survives across turns.
func (c *Controller) LastMetrics() *model.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMetrics == nil {
		return nil
	}
	m := *c.lastMetrics
	return &m
}

// Conversation passes the conversation to fn under the controller's lock.
// fn must not retain it or call back into the controller.
func (c *Controller) Conversation(fn func(*model.Conversation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.conv)
}

func (c *Controller) snapshotLocked() Snapshot {
	branch := c.conv.Branch()
	msgs := make([]*model.Message, len(branch))
	for i, m := range branch {
		msgs[i] = m.Clone()
	}
	return Snapshot{
		ConversationID: c.conv.ID,
		Title:          c.conv.Title,
		State:          c.state,
		LeafID:         c.conv.LeafID,
		Messages:       msgs,
	}
}

// =============================================================================
// TURN OPERATIONS
// =============================================================================

// Submit appends a user message to the displayed branch and streams the
// reply. The turn attaches to the last authoritative reply, so a stopped or
// errored turn before it is left as a dead-end sibling.
func (c *Controller) Submit(ctx context.Context, text string, so SubmitOptions) (*StreamSession, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	return c.begin(ctx, so, func() (*model.Message, *model.Message, bool, error) {
		user := model.NewUserMessage(text)
		placeholder := model.NewPlaceholder(c.opts.Model)
		if err := c.conv.AppendAfter(c.conv.ResumePoint(), user, placeholder); err != nil {
			return nil, nil, false, err
		}
		return user, placeholder, false, nil
	})
}

// Edit branches the conversation from a user message with new text and
// streams a reply on the new branch. The original branch is kept.
func (c *Controller) Edit(ctx context.Context, messageID, text string, so SubmitOptions) (*StreamSession, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	return c.begin(ctx, so, func() (*model.Message, *model.Message, bool, error) {
		user := model.NewUserMessage(text)
		placeholder := model.NewPlaceholder(c.opts.Model)
		if err := c.conv.BranchFromEdit(messageID, user, placeholder); err != nil {
			return nil, nil, false, err
		}
		return user, placeholder, false, nil
	})
}

// Regenerate streams a new version of an assistant message. Earlier
// versions stay reachable through CycleVersion.
func (c *Controller) Regenerate(ctx context.Context, assistantID string, so SubmitOptions) (*StreamSession, error) {
	return c.begin(ctx, so, func() (*model.Message, *model.Message, bool, error) {
		msg, ok := c.conv.Get(assistantID)
		if !ok {
			return nil, nil, false, fmt.Errorf("regenerate %s: %w", assistantID, model.ErrMessageNotFound)
		}
		user, ok := c.conv.Get(msg.ParentID)
		if !ok || user.Role != model.RoleUser {
			return nil, nil, false, fmt.Errorf("regenerate %s: %w", assistantID, model.ErrWrongRole)
		}
		if _, err := c.conv.BeginNewVersion(assistantID); err != nil {
			return nil, nil, false, err
		}
		msg.Model = c.opts.Model
		return user, msg, true, nil
	})
}

// Cancel aborts the active stream. It is safe to call at any time and from
// any goroutine; only the first call during a stream has an effect.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return false
	}
	if !s.cancel.cancel() {
		return false
	}
	c.logger.Info("stream cancel requested", zap.String("assistant_id", s.assistant.ID))
	return true
}

// begin creates the turn's messages via attach, builds the request and
// starts the turn goroutine.
func (c *Controller) begin(ctx context.Context, so SubmitOptions, attach func() (user, assistant *model.Message, regenerate bool, err error)) (*StreamSession, error) {
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}

	user, assistant, regenerate, err := attach()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	s, req, err := c.newSessionLocked(ctx, user, assistant, regenerate, so)
	if err != nil {
		// The optimistic messages stay visible with the error recorded.
		assistant.Status = model.StatusErrored
		assistant.ErrorMessage = err.Error()
		assistant.IsThinking = false
		if !regenerate {
			user.Status = model.StatusErrored
		}
		_ = c.conv.SealVersion(assistant.ID)
		c.persistLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return nil, err
	}

	c.active = s
	c.state = StateSending
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyState(StateSending)
	c.notify(snap)

	go c.run(s, req)
	return s, nil
}

// newSessionLocked builds the stream session and request for a turn whose
// messages are already in the arena.
func (c *Controller) newSessionLocked(ctx context.Context, user, assistant *model.Message, regenerate bool, so SubmitOptions) (*StreamSession, *inference.ChatRequest, error) {
	splitter, err := stream.NewSplitter(c.opts.Markers...)
	if err != nil {
		return nil, nil, err
	}

	req := &inference.ChatRequest{
		Messages:           inference.TrimHistory(model.LinearBranch(c.conv.Index(), user.ParentID), c.opts.MaxHistory),
		ConversationID:     c.conv.ID,
		Model:              c.opts.Model,
		PublicKey:          c.keys.PublicKeyBase64(),
		ThinkingMode:       so.ThinkingMode,
		WebSearch:          so.WebSearch,
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
		Regenerate:         regenerate,
	}
	if parent := c.conv.LastAuthoritative(user.ParentID); parent != nil {
		req.ParentMessageID = parent.ID
	}
	if len(c.opts.ServerPublicKey) > 0 {
		env, err := security.Seal(c.opts.ServerPublicKey, []byte(user.Content))
		if err != nil {
			return nil, nil, fmt.Errorf("seal message: %w", err)
		}
		req.EncryptedMessage = inference.NewEncryptedMessage(env)
	} else {
		req.Message = user.Content
	}

	var schedOpts []stream.SchedulerOption
	if c.opts.NewTimer != nil {
		schedOpts = append(schedOpts, stream.WithTimer(c.opts.NewTimer))
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s := &StreamSession{
		ctx:        turnCtx,
		cancel:     newCancelManager(cancel),
		user:       user,
		assistant:  assistant,
		regenerate: regenerate,
		userPrior:  user.Status,
		splitter:   splitter,
		scheduler:  stream.NewScheduler(c.opts.RenderFPS, schedOpts...),
		started:    c.now(),
		done:       make(chan struct{}),
	}
	s.demux = stream.NewDemultiplexer(stream.WithDropHandler(func(pe *stream.ParseError) {
		c.opts.Metrics.FrameDropped()
		c.logger.Warn("dropped malformed frame",
			zap.String("event", pe.Event),
			zap.Error(pe.Err),
		)
	}))

	user.Status = model.StatusStreaming
	return s, req, nil
}

// =============================================================================
// BRANCH AND VERSION OPERATIONS
// =============================================================================

// CycleVersion shows the previous or next version of an assistant message.
func (c *Controller) CycleVersion(id string, dir model.Direction) error {
	return c.mutate(func() error {
		_, err := c.conv.CycleVersion(id, dir)
		return err
	})
}

// RestoreCheckpoint discards everything after id on the displayed branch.
func (c *Controller) RestoreCheckpoint(id string) error {
	return c.mutate(func() error {
		removed, err := c.conv.TruncateAfter(id)
		if err != nil {
			return err
		}
		c.logger.Info("restored checkpoint",
			zap.String("checkpoint_id", id),
			zap.Int("removed", len(removed)),
		)
		return nil
	})
}

// SelectBranch displays the branch through id, such as a sibling produced
// by an edit.
func (c *Controller) SelectBranch(id string) error {
	return c.mutate(func() error {
		return c.conv.SelectBranch(id)
	})
}

// SetFeedback records a rating on an assistant message. Unlike structural
// changes it is allowed during a stream, except on the streaming message.
func (c *Controller) SetFeedback(id string, fb model.Feedback) error {
	c.mu.Lock()
	if c.active != nil && c.active.assistant.ID == id {
		c.mu.Unlock()
		return ErrStreamActive
	}
	if err := c.conv.SetFeedback(id, fb); err != nil {
		c.mu.Unlock()
		return err
	}
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// mutate applies a structural change between streams.
func (c *Controller) mutate(fn func() error) error {
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrStreamActive
	}
	if err := fn(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.persistLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// =============================================================================
// NOTIFICATION
// =============================================================================

// update applies fn under the lock and publishes the result.
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	var snap Snapshot
	if c.hooks.OnUpdate != nil {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.notifyState(st)
}

func (c *Controller) notify(snap Snapshot) {
	if c.hooks.OnUpdate != nil {
		c.hooks.OnUpdate(snap)
	}
}

func (c *Controller) notifyState(st State) {
	if c.hooks.OnState != nil {
		c.hooks.OnState(st)
	}
}

func (c *Controller) persistLocked() {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.Save(c.conv); err != nil {
		c.logger.Error("failed to save conversation", zap.Error(err))
	}
}
