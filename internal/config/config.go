// Package config loads server configuration from an optional JSON file with
// environment-variable overrides for ports and secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the reviewd service.
type Config struct {
	// Server settings
	Port int `json:"port"`

	// Review presentation thresholds
	LargeFileThreshold int `json:"large_file_threshold"`
	LineCountThreshold int `json:"line_count_threshold"`
	ContextExpandSize  int `json:"context_expand_size"`

	// Watcher settings
	WatcherDebounceMS int `json:"watcher_debounce_ms"`

	// Push gate: repo pattern -> allowed branch patterns.
	// Empty means pushes are unrestricted.
	PushWhitelist map[string][]string `json:"push_whitelist"`

	// Storage
	DBPath string `json:"db_path"`

	// Hosted-PR API token. GITHUB_TOKEN overrides the file value.
	GitHubToken string `json:"github_token"`

	// OAuth provider token lifetimes, in seconds.
	AccessTokenTTL  int `json:"access_token_ttl"`
	RefreshTokenTTL int `json:"refresh_token_ttl"`

	// Secret used to sign OAuth access tokens. Generated if empty.
	TokenSigningSecret string `json:"token_signing_secret"`
}

// Load reads the config file at path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("REVIEWD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Environment overrides
	cfg.Port = getEnvInt("REVIEWD_PORT", cfg.Port)
	cfg.DBPath = getEnv("REVIEWD_DB", cfg.DBPath)
	cfg.GitHubToken = getEnv("GITHUB_TOKEN", cfg.GitHubToken)
	cfg.TokenSigningSecret = getEnv("REVIEWD_TOKEN_SECRET", cfg.TokenSigningSecret)
	cfg.WatcherDebounceMS = getEnvInt("REVIEWD_WATCH_DEBOUNCE_MS", cfg.WatcherDebounceMS)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:               8576,
		LargeFileThreshold: 50000,
		LineCountThreshold: 400,
		ContextExpandSize:  15,
		WatcherDebounceMS:  300,
		DBPath:             "reviewd.db",
		AccessTokenTTL:     3600,
		RefreshTokenTTL:    30 * 24 * 3600,
	}
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8576
	}
	if c.LargeFileThreshold <= 0 {
		c.LargeFileThreshold = 50000
	}
	if c.LineCountThreshold <= 0 {
		c.LineCountThreshold = 400
	}
	if c.ContextExpandSize <= 0 {
		c.ContextExpandSize = 15
	}
	if c.WatcherDebounceMS <= 0 {
		c.WatcherDebounceMS = 300
	}
	if c.DBPath == "" {
		c.DBPath = "reviewd.db"
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 3600
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 30 * 24 * 3600
	}
}

// validate checks that the resolved configuration is usable.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("refresh_token_ttl must be >= access_token_ttl")
	}
	return nil
}

// ClientView is the subset of configuration safe to expose to clients.
type ClientView struct {
	LargeFileThreshold int `json:"large_file_threshold"`
	LineCountThreshold int `json:"line_count_threshold"`
	ContextExpandSize  int `json:"context_expand_size"`
}

// ClientView returns the client-safe configuration subset.
func (c *Config) ClientView() ClientView {
	return ClientView{
		LargeFileThreshold: c.LargeFileThreshold,
		LineCountThreshold: c.LineCountThreshold,
		ContextExpandSize:  c.ContextExpandSize,
	}
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
