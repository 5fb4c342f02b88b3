// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// the moffi-ai service.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.moffi-ai/config.toml
//   - ~/.moffi-ai/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete moffi-ai configuration.
type Config struct {
	// General settings
	Version string `toml:"version" json:"version"`

	// Providers configuration (Gemini text, OpenAI image)
	Providers ProvidersConfig `toml:"providers" json:"providers"`

	// Chat configuration
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Analysis configuration (debounced prompt analysis)
	Analysis AnalysisConfig `toml:"analysis" json:"analysis"`

	// Server configuration
	Server ServerConfig `toml:"server" json:"server"`
}

// ProvidersConfig contains generative provider configuration.
type ProvidersConfig struct {
	// GeminiKey is the Google Gemini API key. Optional: when empty the
	// Gemini bindings report not-configured and the fallback chain skips them.
	GeminiKey string `toml:"gemini_key" json:"gemini_key"`
	// PrimaryModel is the primary Gemini model for text generation.
	PrimaryModel string `toml:"primary_model" json:"primary_model"`
	// SecondaryModel is the cheaper Gemini model tried after the primary.
	SecondaryModel string `toml:"secondary_model" json:"secondary_model"`

	// OpenAIKey is the OpenAI API key used for image generation. Optional.
	OpenAIKey string `toml:"openai_key" json:"openai_key"`
	// ImageModel is the OpenAI image model.
	ImageModel string `toml:"image_model" json:"image_model"`

	// RequestTimeoutSecs bounds every single provider call. A call exceeding
	// this is classified as Unavailable and the fallback chain moves on.
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
}

// ChatConfig contains chat orchestration configuration.
type ChatConfig struct {
	// MaxTurns bounds the conversation history kept per session.
	MaxTurns int `toml:"max_turns" json:"max_turns"`
	// FallbackTokenDelayMs is the inter-token delay when streaming a canned
	// fallback response, so degraded pacing resembles live pacing.
	FallbackTokenDelayMs int `toml:"fallback_token_delay_ms" json:"fallback_token_delay_ms"`
}

// AnalysisConfig contains debounced prompt-analysis configuration.
type AnalysisConfig struct {
	// DebounceMs is the keystroke debounce delay before analysis is issued.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms"`
	// MinInputRunes is the minimum input length that triggers analysis.
	MinInputRunes int `toml:"min_input_runes" json:"min_input_runes"`
	// DefaultLanguage is the fallback language tag when detection fails.
	DefaultLanguage string `toml:"default_language" json:"default_language"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the listen port for the HTTP API.
	Port int `toml:"port" json:"port"`
	// RateLimitPerMinute is the per-IP request budget.
	RateLimitPerMinute int `toml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	// BearerToken enables API authentication when non-empty.
	BearerToken string `toml:"bearer_token" json:"bearer_token"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default configuration values.
const (
	DefaultPrimaryModel         = "gemini-2.0-flash"
	DefaultSecondaryModel       = "gemini-2.0-flash-lite"
	DefaultImageModel           = "dall-e-3"
	DefaultRequestTimeoutSecs   = 12
	DefaultMaxTurns             = 50
	DefaultFallbackTokenDelayMs = 50
	DefaultDebounceMs           = 800
	DefaultMinInputRunes        = 3
	DefaultLanguage             = "tr"
	DefaultPort                 = 8790
	DefaultRateLimitPerMinute   = 120
)

// DefaultConfig returns a Config populated with built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Providers: ProvidersConfig{
			PrimaryModel:       DefaultPrimaryModel,
			SecondaryModel:     DefaultSecondaryModel,
			ImageModel:         DefaultImageModel,
			RequestTimeoutSecs: DefaultRequestTimeoutSecs,
		},
		Chat: ChatConfig{
			MaxTurns:             DefaultMaxTurns,
			FallbackTokenDelayMs: DefaultFallbackTokenDelayMs,
		},
		Analysis: AnalysisConfig{
			DebounceMs:      DefaultDebounceMs,
			MinInputRunes:   DefaultMinInputRunes,
			DefaultLanguage: DefaultLanguage,
		},
		Server: ServerConfig{
			Port:               DefaultPort,
			RateLimitPerMinute: DefaultRateLimitPerMinute,
		},
	}
}

// RequestTimeout returns the per-call provider timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Providers.RequestTimeoutSecs) * time.Second
}

// Debounce returns the analysis debounce delay as a Duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Analysis.DebounceMs) * time.Millisecond
}

// FallbackTokenDelay returns the degraded-stream pacing as a Duration.
func (c *Config) FallbackTokenDelay() time.Duration {
	return time.Duration(c.Chat.FallbackTokenDelayMs) * time.Millisecond
}

// =============================================================================
// LOADING
// =============================================================================

// ErrNoConfigFile indicates no configuration file was found on disk.
// Callers generally fall back to DefaultConfig plus env overrides.
var ErrNoConfigFile = errors.New("no configuration file found")

// configDirName is the directory under $HOME holding config files.
const configDirName = ".moffi-ai"

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// Load loads configuration from the default locations, applying environment
// overrides on top of whatever was found. A missing file is not an error:
// defaults plus env overrides are returned.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}

	cfg, err := LoadFrom(filepath.Join(dir, "config.toml"))
	if errors.Is(err, ErrNoConfigFile) {
		cfg, err = LoadFrom(filepath.Join(dir, "config.json"))
	}
	if errors.Is(err, ErrNoConfigFile) {
		cfg = DefaultConfig()
		err = nil
	}
	if err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom loads configuration from a specific file path. The format is
// chosen by extension (.toml or .json). Environment overrides are NOT
// applied; Load is the usual entry point.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfigFile
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
	return cfg, nil
}

// applyEnvOverrides applies MOFFI_* environment variables on top of the
// loaded configuration. Env always wins over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOFFI_GEMINI_API_KEY"); v != "" {
		c.Providers.GeminiKey = v
	}
	if v := os.Getenv("MOFFI_OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := os.Getenv("MOFFI_PRIMARY_MODEL"); v != "" {
		c.Providers.PrimaryModel = v
	}
	if v := os.Getenv("MOFFI_SECONDARY_MODEL"); v != "" {
		c.Providers.SecondaryModel = v
	}
	if v := os.Getenv("MOFFI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MOFFI_BEARER_TOKEN"); v != "" {
		c.Server.BearerToken = v
	}
	if v := os.Getenv("MOFFI_DEFAULT_LANGUAGE"); v != "" {
		c.Analysis.DefaultLanguage = v
	}
}

// Validate checks configuration values and normalizes out-of-range values
// back to defaults. Missing API keys are valid: the service degrades
// gracefully rather than refusing to start.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Providers.RequestTimeoutSecs <= 0 {
		c.Providers.RequestTimeoutSecs = DefaultRequestTimeoutSecs
	}
	if c.Chat.MaxTurns <= 0 {
		c.Chat.MaxTurns = DefaultMaxTurns
	}
	if c.Chat.FallbackTokenDelayMs < 0 {
		c.Chat.FallbackTokenDelayMs = DefaultFallbackTokenDelayMs
	}
	if c.Analysis.DebounceMs <= 0 {
		c.Analysis.DebounceMs = DefaultDebounceMs
	}
	if c.Analysis.MinInputRunes <= 0 {
		c.Analysis.MinInputRunes = DefaultMinInputRunes
	}
	if c.Analysis.DefaultLanguage == "" {
		c.Analysis.DefaultLanguage = DefaultLanguage
	}
	if c.Server.RateLimitPerMinute <= 0 {
		c.Server.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	return nil
}

// Save writes the configuration to the default TOML location.
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.toml")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// LIVE CONFIG
// =============================================================================

// Live wraps a Config with thread-safe replacement, used with the watcher
// so provider keys can be rotated without a restart.
type Live struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewLive creates a Live config holder.
func NewLive(cfg *Config) *Live {
	return &Live{cfg: cfg}
}

// Get returns the current configuration snapshot.
func (l *Live) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Replace swaps in a new configuration snapshot.
func (l *Live) Replace(cfg *Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}
