// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/veilchat/internal/security"
	"github.com/jeranaias/veilchat/internal/stream"
	"github.com/jeranaias/veilchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete veilchat configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Inference InferenceConfig `toml:"inference" json:"inference"`
	Stream    StreamConfig    `toml:"stream" json:"stream"`
	Keys      KeysConfig      `toml:"keys" json:"keys"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Log       LogConfig       `toml:"log" json:"log"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics"`
	UI        UIConfig        `toml:"ui" json:"ui"`
}

// InferenceConfig configures the chat server connection.
type InferenceConfig struct {
	BaseURL     string `toml:"base_url" json:"base_url"`
	APIKey      string `toml:"api_key" json:"api_key"`
	Model       string `toml:"model" json:"model"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"` // Response header timeout
	MaxHistory  int    `toml:"max_history" json:"max_history"`

	// ServerPublicKey is the server's base64 X25519 key. When set, user
	// messages are sealed before they are sent.
	ServerPublicKey string `toml:"server_public_key" json:"server_public_key"`

	ThinkingMode bool `toml:"thinking_mode" json:"thinking_mode"`
	WebSearch    bool `toml:"web_search" json:"web_search"`
}

// StreamConfig tunes response stream handling.
type StreamConfig struct {
	RenderFPS     int                 `toml:"render_fps" json:"render_fps"`
	SettleDelayMs int                 `toml:"settle_delay_ms" json:"settle_delay_ms"`
	StoppedMarker string              `toml:"stopped_marker" json:"stopped_marker"`
	Markers       []stream.MarkerPair `toml:"markers" json:"markers"`
}

// KeysConfig locates the client key pair.
type KeysConfig struct {
	Path string `toml:"path" json:"path"`
}

// StorageConfig locates saved conversations.
type StorageConfig struct {
	Dir string `toml:"dir" json:"dir"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	Path   string `toml:"path" json:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Listen  string `toml:"listen" json:"listen"`
}

// UIConfig contains terminal UI preferences.
type UIConfig struct {
	ShowReasoning bool `toml:"show_reasoning" json:"show_reasoning"`
	ShowMetrics   bool `toml:"show_metrics" json:"show_metrics"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".veilchat"
	}

	return &Config{
		Version: "1.0.0",

		Inference: InferenceConfig{
			BaseURL:     "https://api.veilchat.dev/v1",
			Model:       "veil-large",
			TimeoutSecs: 60,
			MaxHistory:  20,
		},

		Stream: StreamConfig{
			RenderFPS:     30,
			SettleDelayMs: 50,
			StoppedMarker: "\n\n_[stopped]_",
			Markers:       append([]stream.MarkerPair(nil), stream.DefaultMarkers...),
		},

		Keys: KeysConfig{
			Path: filepath.Join(dir, "keys", "client.key"),
		},

		Storage: StorageConfig{
			Dir: filepath.Join(dir, "conversations"),
		},

		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Path:   filepath.Join(dir, "veilchat.log"),
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},

		UI: UIConfig{
			ShowReasoning: true,
			ShowMetrics:   true,
		},
	}
}

// SettleDelay returns the finalize settle interval.
func (s StreamConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

// Timeout returns the response header timeout.
func (i InferenceConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSecs) * time.Second
}

// ServerKey decodes ServerPublicKey. It returns nil when none is set.
func (i InferenceConfig) ServerKey() ([]byte, error) {
	if i.ServerPublicKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(i.ServerPublicKey))
	if err != nil {
		return nil, fmt.Errorf("decode server public key: %w", err)
	}
	if len(key) != security.PublicKeySize {
		return nil, fmt.Errorf("server public key is %d bytes, want %d", len(key), security.PublicKeySize)
	}
	return key, nil
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the veilchat configuration directory path.
// VEILCHAT_HOME overrides the default of ~/.veilchat.
func ConfigDir() (string, error) {
	if home := os.Getenv("VEILCHAT_HOME"); home != "" {
		return home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".veilchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files hold the API key and must be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads .env (if present), then ~/.veilchat/config.toml (if present),
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file. A missing
// file yields the defaults.
func LoadFromPath(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Default()
	if _, statErr := os.Stat(path); statErr == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, statErr)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills zero values left by a partial config file.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = defaults.Inference.BaseURL
	}
	if c.Inference.Model == "" {
		c.Inference.Model = defaults.Inference.Model
	}
	if c.Inference.TimeoutSecs == 0 {
		c.Inference.TimeoutSecs = defaults.Inference.TimeoutSecs
	}
	if c.Inference.MaxHistory == 0 {
		c.Inference.MaxHistory = defaults.Inference.MaxHistory
	}
	if c.Stream.RenderFPS == 0 {
		c.Stream.RenderFPS = defaults.Stream.RenderFPS
	}
	if c.Stream.StoppedMarker == "" {
		c.Stream.StoppedMarker = defaults.Stream.StoppedMarker
	}
	if len(c.Stream.Markers) == 0 {
		c.Stream.Markers = defaults.Stream.Markers
	}
	if c.Keys.Path == "" {
		c.Keys.Path = defaults.Keys.Path
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = defaults.Storage.Dir
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = defaults.Metrics.Listen
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# veilchat configuration file\n")
	buf.WriteString("# Generated by veilchat - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	u, err := url.Parse(c.Inference.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "inference.base_url",
			Message: fmt.Sprintf("invalid URL %q", c.Inference.BaseURL),
		})
	} else if u.Scheme != "https" && u.Scheme != "http" {
		errs = append(errs, ValidationError{
			Field:   "inference.base_url",
			Message: fmt.Sprintf("unsupported scheme %q, must be http or https", u.Scheme),
		})
	}

	if c.Inference.TimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "inference.timeout_secs", Message: "cannot be negative"})
	}
	if c.Inference.MaxHistory < 0 {
		errs = append(errs, ValidationError{Field: "inference.max_history", Message: "cannot be negative"})
	}
	if _, err := c.Inference.ServerKey(); err != nil {
		errs = append(errs, ValidationError{Field: "inference.server_public_key", Message: err.Error()})
	}

	if c.Stream.RenderFPS < 1 || c.Stream.RenderFPS > stream.MaxRenderFPS {
		errs = append(errs, ValidationError{
			Field:   "stream.render_fps",
			Message: fmt.Sprintf("must be between 1 and %d", stream.MaxRenderFPS),
		})
	}
	if c.Stream.SettleDelayMs < 0 || c.Stream.SettleDelayMs > 5000 {
		errs = append(errs, ValidationError{Field: "stream.settle_delay_ms", Message: "must be between 0 and 5000"})
	}
	if err := stream.ValidateMarkers(c.Stream.Markers); err != nil {
		errs = append(errs, ValidationError{Field: "stream.markers", Message: err.Error()})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level),
		})
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "console" {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("invalid format '%s', must be json or console", c.Log.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - VEILCHAT_BASE_URL: overrides inference.base_url
//   - VEILCHAT_API_KEY: overrides inference.api_key
//   - VEILCHAT_MODEL: overrides inference.model
//   - VEILCHAT_SERVER_PUBLIC_KEY: overrides inference.server_public_key
//   - VEILCHAT_THINKING: "1" or "true" enables thinking mode
//   - VEILCHAT_KEY_PATH: overrides keys.path
//   - VEILCHAT_STORAGE_DIR: overrides storage.dir
//   - VEILCHAT_LOG_LEVEL: overrides log.level
//   - VEILCHAT_LOG_PATH: overrides log.path
//   - VEILCHAT_METRICS_LISTEN: overrides metrics.listen and enables metrics
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VEILCHAT_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("VEILCHAT_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("VEILCHAT_MODEL"); v != "" {
		c.Inference.Model = v
	}
	if v := os.Getenv("VEILCHAT_SERVER_PUBLIC_KEY"); v != "" {
		c.Inference.ServerPublicKey = v
	}
	if v := os.Getenv("VEILCHAT_THINKING"); v != "" {
		c.Inference.ThinkingMode = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("VEILCHAT_KEY_PATH"); v != "" {
		c.Keys.Path = v
	}
	if v := os.Getenv("VEILCHAT_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("VEILCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VEILCHAT_LOG_PATH"); v != "" {
		c.Log.Path = v
	}
	if v := os.Getenv("VEILCHAT_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "inference.model").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "stream.render_fps").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(strVal == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all scalar configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"version",
		"inference.base_url",
		"inference.api_key",
		"inference.model",
		"inference.timeout_secs",
		"inference.max_history",
		"inference.server_public_key",
		"inference.thinking_mode",
		"inference.web_search",
		"stream.render_fps",
		"stream.settle_delay_ms",
		"stream.stopped_marker",
		"keys.path",
		"storage.dir",
		"log.level",
		"log.format",
		"log.path",
		"metrics.enabled",
		"metrics.listen",
		"ui.show_reasoning",
		"ui.show_metrics",
	}
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Stream.Markers = append([]stream.MarkerPair(nil), c.Stream.Markers...)
	return &clone
}

// String returns a JSON rendering of the config with secrets redacted.
// SECURITY: The API key must never reach logs or terminal output.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Inference.APIKey != "" {
		safe.Inference.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
