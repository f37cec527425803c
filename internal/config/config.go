package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds all settings for the sync daemon. Values come from an optional
// TOML file, overridden by OFFSYNC_* environment variables.
type Config struct {
	// DataDir holds the sqlite database, the bbolt state file and logs.
	DataDir string `toml:"data_dir" env:"OFFSYNC_DATA_DIR"`

	// UserID is the local user the engine syncs messages for.
	UserID string `toml:"user_id" env:"OFFSYNC_USER_ID"`

	// RemoteURL is the base URL of the remote message store.
	RemoteURL string `toml:"remote_url" env:"OFFSYNC_REMOTE_URL"`

	// FeedURL is the websocket endpoint of the remote change feed.
	FeedURL string `toml:"feed_url" env:"OFFSYNC_FEED_URL"`

	// KeySalt is mixed into per-thread key derivation. Must be stable for
	// the lifetime of the local store or previously stored ciphertext
	// becomes unreadable.
	KeySalt string `toml:"key_salt" env:"OFFSYNC_KEY_SALT"`

	// DebounceQuietSeconds is the quiet period after a connectivity regain
	// before a pending-message sync fires.
	DebounceQuietSeconds int `toml:"debounce_quiet_seconds" env:"OFFSYNC_DEBOUNCE_QUIET_SECONDS"`

	// DrainBatchSize bounds how many queue items are attempted concurrently.
	DrainBatchSize int `toml:"drain_batch_size" env:"OFFSYNC_DRAIN_BATCH_SIZE"`

	// MaxRetries bounds remote attempts per queue item before the origin
	// message is marked failed.
	MaxRetries int `toml:"max_retries" env:"OFFSYNC_MAX_RETRIES"`

	// AttemptTimeoutSeconds bounds a single remote attempt.
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds" env:"OFFSYNC_ATTEMPT_TIMEOUT_SECONDS"`

	// ProbeIntervalSeconds is how often the connectivity monitor checks the
	// remote health endpoint.
	ProbeIntervalSeconds int `toml:"probe_interval_seconds" env:"OFFSYNC_PROBE_INTERVAL_SECONDS"`

	// CacheTTLSeconds and CacheCapacity bound the in-memory read cache.
	CacheTTLSeconds int `toml:"cache_ttl_seconds" env:"OFFSYNC_CACHE_TTL_SECONDS"`
	CacheCapacity   int `toml:"cache_capacity" env:"OFFSYNC_CACHE_CAPACITY"`
}

// Load reads config from the given TOML path (missing file is not an error),
// applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".offsync")
		} else {
			c.DataDir = ".offsync"
		}
	}
	if c.RemoteURL == "" {
		c.RemoteURL = "http://localhost:8480"
	}
	if c.FeedURL == "" {
		c.FeedURL = "ws://localhost:8480/v1/changes"
	}
	if c.KeySalt == "" {
		c.KeySalt = "offsync/v1"
	}
	if c.DebounceQuietSeconds <= 0 {
		c.DebounceQuietSeconds = 30
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 25
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AttemptTimeoutSeconds <= 0 {
		c.AttemptTimeoutSeconds = 15
	}
	if c.ProbeIntervalSeconds <= 0 {
		c.ProbeIntervalSeconds = 10
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 60
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 256
	}
}

// DBPath returns the sqlite database path under the data dir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "offsync.db") }

// KVPath returns the bbolt state file path under the data dir.
func (c *Config) KVPath() string { return filepath.Join(c.DataDir, "state.db") }

// LogPath returns the daemon log file path under the data dir.
func (c *Config) LogPath() string { return filepath.Join(c.DataDir, "offsyncd.log") }

// DebounceQuiet returns the debounce quiet period as a duration.
func (c *Config) DebounceQuiet() time.Duration {
	return time.Duration(c.DebounceQuietSeconds) * time.Second
}

// AttemptTimeout returns the per-attempt timeout as a duration.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// ProbeInterval returns the connectivity probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// CacheTTL returns the read cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
