// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/veilchat/internal/config"
	"github.com/jeranaias/veilchat/internal/inference"
	"github.com/jeranaias/veilchat/internal/logging"
	"github.com/jeranaias/veilchat/internal/metrics"
	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/security"
	"github.com/jeranaias/veilchat/internal/session"
	"github.com/jeranaias/veilchat/internal/storage"
)

// app holds the services a chat command needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	keys    *security.KeyPair
	client  *inference.Client
	store   *storage.ConversationStore

	metricsSrv *http.Server
}

// loadConfig reads the config named by --config, or the default one, and
// applies --model.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromPath(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flags.model != "" {
		cfg.Inference.Model = flags.model
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newApp wires config, logging, metrics, keys, transport and storage.
func newApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Path:   cfg.Log.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	keys, created, err := security.LoadOrCreateKeyPair(cfg.Keys.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load client keys: %w", err)
	}
	if created {
		logger.Info("generated client key pair", zap.String("path", cfg.Keys.Path))
	}
	a.keys = keys

	a.client = inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.APIKey,
		inference.WithLogger(logger),
		inference.WithTimeout(cfg.Inference.Timeout()),
	)

	store, err := storage.NewConversationStore(cfg.Storage.Dir, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	if cfg.Metrics.Enabled {
		a.serveMetrics()
	}
	return a, nil
}

// serveMetrics exposes the Prometheus collector on cfg.Metrics.Listen.
func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsSrv = &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", a.cfg.Metrics.Listen))
}

func (a *app) close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.keys != nil {
		a.keys.Zero()
	}
	_ = a.logger.Sync()
}

// sessionOptions maps config onto controller options.
func (a *app) sessionOptions(persist bool) (session.Options, error) {
	serverKey, err := a.cfg.Inference.ServerKey()
	if err != nil {
		return session.Options{}, err
	}

	opts := session.DefaultOptions()
	opts.Model = a.cfg.Inference.Model
	opts.MaxHistory = a.cfg.Inference.MaxHistory
	opts.RenderFPS = a.cfg.Stream.RenderFPS
	opts.SettleDelay = a.cfg.Stream.SettleDelay()
	opts.StoppedMarker = a.cfg.Stream.StoppedMarker
	opts.Markers = a.cfg.Stream.Markers
	opts.ServerPublicKey = serverKey
	opts.Logger = a.logger
	opts.Metrics = a.metrics
	if persist {
		opts.Store = a.store
	}
	return opts, nil
}

// openConversation loads a stored conversation or starts a new one.
func (a *app) openConversation(localID string) (*model.Conversation, error) {
	if localID == "" {
		return model.NewConversationWithModel(a.cfg.Inference.Model), nil
	}
	conv, err := a.store.Load(localID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// newController builds a controller for conv.
func (a *app) newController(conv *model.Conversation, persist bool, hooks session.Hooks) (*session.Controller, error) {
	opts, err := a.sessionOptions(persist)
	if err != nil {
		return nil, err
	}
	return session.NewController(conv, a.client, a.keys, opts, hooks)
}

func (a *app) submitOptions() session.SubmitOptions {
	return session.SubmitOptions{
		ThinkingMode: a.cfg.Inference.ThinkingMode,
		WebSearch:    a.cfg.Inference.WebSearch,
	}
}
