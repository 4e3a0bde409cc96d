// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for veilchat.
//
// Configuration is TOML with defaults, environment overrides, and
// validation. Unknown keys in the file are rejected.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - InferenceConfig: Server connection, model, and sealing key
//   - StreamConfig: Render rate, settle delay, and reasoning markers
//   - ValidateErrors: Every problem found by Validate
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (VEILCHAT_*), including a .env file
//   - ~/.veilchat/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts.RenderFPS = cfg.Stream.RenderFPS
//	opts.SettleDelay = cfg.Stream.SettleDelay()
package config
