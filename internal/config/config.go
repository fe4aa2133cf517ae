package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML strings like "30s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Or returns the configured duration, or def when unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Global is ~/.chirp/config.toml: settings shared across sessions.
type Global struct {
	DefaultSession string `toml:"default_session"`
}

// Session is the per-session config.toml: the account and its tuning.
type Session struct {
	Server   Server   `toml:"server"`
	Channel  Channel  `toml:"channel"`
	Sync     Sync     `toml:"sync"`
	Presence Presence `toml:"presence"`
}

type Server struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
}

type Channel struct {
	BackoffBase Duration `toml:"backoff_base"`
	BackoffCap  Duration `toml:"backoff_cap"`
	MaxAttempts int      `toml:"max_attempts"`
	Heartbeat   Duration `toml:"heartbeat"`
}

type Sync struct {
	PullInterval  Duration `toml:"pull_interval"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type Presence struct {
	TypingTTL Duration `toml:"typing_ttl"`
	Debounce  Duration `toml:"debounce"`
}

// LoadGlobal reads the global config. Returns an error if the file is
// missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession reads a session config and validates the fields the daemon
// cannot run without.
func LoadSession(path string) (*Session, error) {
	var cfg Session
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("%s: server.base_url is required", path)
	}
	if cfg.Server.Token == "" {
		return nil, fmt.Errorf("%s: server.token is required", path)
	}
	if cfg.Server.UserID == "" {
		return nil, fmt.Errorf("%s: server.user_id is required", path)
	}
	return &cfg, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, cfg *Global) error {
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
