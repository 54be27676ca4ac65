package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config carries everything the messaging core needs to talk to its
// collaborators and tune its local timers.
type Config struct {
	Profile  ProfileConfig  `toml:"profile"`
	API      APIConfig      `toml:"api"`
	Realtime RealtimeConfig `toml:"realtime"`
	Thread   ThreadConfig   `toml:"thread"`
	Presence PresenceConfig `toml:"presence"`
}

// ProfileConfig identifies the local user.
type ProfileConfig struct {
	Name   string `toml:"name"`
	UserID string `toml:"user_id"`
}

// APIConfig configures the persistence collaborator.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RealtimeConfig configures the change-feed collaborator.
type RealtimeConfig struct {
	URL string `toml:"url"`
}

// ThreadConfig tunes message history pagination. The initial page only needs
// to fill the first screen; backward loads fetch more per round-trip.
type ThreadConfig struct {
	InitialPageSize int `toml:"initial_page_size"`
	PageSize        int `toml:"page_size"`
}

// PresenceConfig tunes the heartbeat and typing-indicator timers.
type PresenceConfig struct {
	HeartbeatSeconds   int `toml:"heartbeat_seconds"`
	TypingQuietSeconds int `toml:"typing_quiet_seconds"`
}

// Heartbeat returns the presence heartbeat interval.
func (p PresenceConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}

// TypingQuiet returns the typing-indicator self-expiry window.
func (p PresenceConfig) TypingQuiet() time.Duration {
	return time.Duration(p.TypingQuietSeconds) * time.Second
}

// Default returns a config with sane defaults for everything that has one.
func Default() *Config {
	return &Config{
		Profile: ProfileConfig{Name: "default"},
		API:     APIConfig{TimeoutSeconds: 15},
		Thread:  ThreadConfig{InitialPageSize: 30, PageSize: 50},
		Presence: PresenceConfig{
			HeartbeatSeconds:   30,
			TypingQuietSeconds: 3,
		},
	}
}

// Load reads config from the given TOML path, then applies .env / environment
// overrides. A missing file is not an error: defaults plus environment still
// make a usable config.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// .env is a development convenience; real deployments set env directly.
	_ = godotenv.Load()

	applyEnv(cfg)

	if cfg.Thread.InitialPageSize <= 0 {
		cfg.Thread.InitialPageSize = 30
	}
	if cfg.Thread.PageSize <= 0 {
		cfg.Thread.PageSize = 50
	}
	if cfg.API.TimeoutSeconds <= 0 {
		cfg.API.TimeoutSeconds = 15
	}

	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"ARASHAN_PROFILE":   &cfg.Profile.Name,
		"ARASHAN_USER_ID":   &cfg.Profile.UserID,
		"ARASHAN_API_URL":   &cfg.API.BaseURL,
		"ARASHAN_API_TOKEN": &cfg.API.Token,
		"ARASHAN_RT_URL":    &cfg.Realtime.URL,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

// Validate checks the fields without which the core cannot run.
func (c *Config) Validate() error {
	if c.Profile.UserID == "" {
		return fmt.Errorf("profile.user_id is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	return nil
}
