// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/veilchat/internal/stream"
)

// isolate points the config directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("VEILCHAT_HOME", dir)
	for _, k := range []string{
		"VEILCHAT_BASE_URL", "VEILCHAT_API_KEY", "VEILCHAT_MODEL",
		"VEILCHAT_SERVER_PUBLIC_KEY", "VEILCHAT_THINKING", "VEILCHAT_KEY_PATH",
		"VEILCHAT_STORAGE_DIR", "VEILCHAT_LOG_LEVEL", "VEILCHAT_LOG_PATH",
		"VEILCHAT_METRICS_LISTEN",
	} {
		t.Setenv(k, "")
	}
	return dir
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "veil-large", cfg.Inference.Model)
	require.Equal(t, 30, cfg.Stream.RenderFPS)
	require.Equal(t, stream.DefaultMarkers, cfg.Stream.Markers)
	require.Equal(t, filepath.Join(dir, "keys", "client.key"), cfg.Keys.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPath_PartialFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[inference]
base_url = "http://localhost:8080"
model = "veil-small"

[stream]
render_fps = 60

[[stream.markers]]
open = "<scratch>"
close = "</scratch>"
`), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.Inference.BaseURL)
	require.Equal(t, "veil-small", cfg.Inference.Model)
	require.Equal(t, 60, cfg.Stream.RenderFPS)
	require.Equal(t, []stream.MarkerPair{{Open: "<scratch>", Close: "</scratch>"}}, cfg.Stream.Markers)
	require.Equal(t, 20, cfg.Inference.MaxHistory)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadFromPath_RejectsUnknownKeys(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[inference]\nmodle = \"typo\"\n"), 0600))

	_, err := LoadFromPath(path)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "inference.modle"), err.Error())
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	t.Setenv("VEILCHAT_MODEL", "veil-env")
	t.Setenv("VEILCHAT_API_KEY", "sk-env")
	t.Setenv("VEILCHAT_THINKING", "true")
	t.Setenv("VEILCHAT_METRICS_LISTEN", "127.0.0.1:9999")

	cfg, err := LoadFromPath(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "veil-env", cfg.Inference.Model)
	require.Equal(t, "sk-env", cfg.Inference.APIKey)
	require.True(t, cfg.Inference.ThinkingMode)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", "config.toml")

	cfg := Default()
	cfg.Inference.APIKey = "sk-saved"
	cfg.UI.ShowMetrics = false
	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "sk-saved", loaded.Inference.APIKey)
	require.False(t, loaded.UI.ShowMetrics)
	require.Equal(t, cfg.Stream.Markers, loaded.Stream.Markers)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate(t *testing.T) {
	goodKey := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"server key", func(c *Config) { c.Inference.ServerPublicKey = goodKey }, ""},
		{"bad url", func(c *Config) { c.Inference.BaseURL = "not a url" }, "inference.base_url"},
		{"bad scheme", func(c *Config) { c.Inference.BaseURL = "ftp://example.com" }, "inference.base_url"},
		{"short server key", func(c *Config) { c.Inference.ServerPublicKey = "c2hvcnQ=" }, "inference.server_public_key"},
		{"fps too high", func(c *Config) { c.Stream.RenderFPS = 1000 }, "stream.render_fps"},
		{"negative settle", func(c *Config) { c.Stream.SettleDelayMs = -1 }, "stream.settle_delay_ms"},
		{"nested markers", func(c *Config) {
			c.Stream.Markers = []stream.MarkerPair{{Open: "<think>", Close: "</think>"}, {Open: "think", Close: "end"}}
		}, "stream.markers"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			var errs ValidateErrors
			require.True(t, errors.As(err, &errs), "want ValidateErrors, got %v", err)
			require.Equal(t, tc.field, errs[0].Field)
		})
	}
}

// =============================================================================
// GET/SET TESTS
// =============================================================================

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("inference.model", "veil-mini"))
	require.NoError(t, cfg.Set("stream.render_fps", "24"))
	require.NoError(t, cfg.Set("ui.show_reasoning", "no"))

	v, err := cfg.Get("inference.model")
	require.NoError(t, err)
	require.Equal(t, "veil-mini", v)
	require.Equal(t, 24, cfg.Stream.RenderFPS)
	require.False(t, cfg.UI.ShowReasoning)

	_, err = cfg.Get("inference.nope")
	require.Error(t, err)
	require.Error(t, cfg.Set("stream.render_fps", "fast"))
	require.Error(t, cfg.Set("inference.model.name", "x"))

	for _, key := range GetAllKeys() {
		_, err := cfg.Get(key)
		require.NoError(t, err, key)
	}
}

func TestString_RedactsAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Inference.APIKey = "sk-very-secret"
	out := cfg.String()
	require.False(t, strings.Contains(out, "sk-very-secret"))
	require.True(t, strings.Contains(out, "[REDACTED]"))
	require.Equal(t, "sk-very-secret", cfg.Inference.APIKey)
}
