// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nurunuru-server/internal/buffer"
	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/feed"
	"nurunuru-server/internal/ranking"
	"nurunuru-server/internal/relay"
	"nurunuru-server/internal/store"
	"nurunuru-server/internal/stream"
)

// DefaultPath is read when neither --config nor NURUNURU_CONFIG is set
const DefaultPath = "config/nurunuru.yaml"

type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Relays     engine.RelayConfig `yaml:"relays"`
	Buffer     BufferConfig       `yaml:"buffer"`
	Stream     stream.Options     `yaml:"stream"`
	Ranking    ranking.Config     `yaml:"ranking"`
	Feed       feed.Options       `yaml:"feed"`
	Cache      store.Config       `yaml:"cache"`
	Validation ValidationConfig   `yaml:"validation"`
	Log        LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second per client
	RateBurst      int           `yaml:"rate_burst"`
	EngineRetry    time.Duration `yaml:"engine_retry"`
	RosterTimeout  time.Duration `yaml:"roster_timeout"`
	ShutdownPeriod time.Duration `yaml:"shutdown_period"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

type ValidationConfig struct {
	VerifySignatures bool `yaml:"verify_signatures"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxBodyBytes:   1 << 20,
			RateLimit:      20,
			RateBurst:      40,
			EngineRetry:    30 * time.Second,
			RosterTimeout:  2 * time.Second,
			ShutdownPeriod: 10 * time.Second,
		},
		Relays: engine.RelayConfig{
			DefaultRelays: []string{
				"wss://yabu.me",
				"wss://relay-jp.nostr.wirednet.jp",
				"wss://r.kojira.io",
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
			SearchRelays:   []string{"wss://search.nos.today"},
			PublishRelays:  []string{"wss://yabu.me", "wss://relay-jp.nostr.wirednet.jp", "wss://relay.damus.io"},
			FetchTimeout:   8 * time.Second,
			PublishTimeout: 5 * time.Second,
			QueueSize:      1000,
		},
		Buffer:  BufferConfig{Capacity: buffer.DefaultCapacity},
		Stream:  stream.DefaultOptions(),
		Ranking: ranking.DefaultConfig(),
		Feed:    feed.DefaultOptions(),
		Cache:   store.DefaultConfig(),
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path means NURUNURU_CONFIG, then
// DefaultPath. A missing file is not an error; malformed YAML is.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("NURUNURU_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("loading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Relays.DefaultRelays = relay.NormalizeURLs(cfg.Relays.DefaultRelays)
	cfg.Relays.SearchRelays = relay.NormalizeURLs(cfg.Relays.SearchRelays)
	cfg.Relays.PublishRelays = relay.NormalizeURLs(cfg.Relays.PublishRelays)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server max_body_bytes must be positive")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		return fmt.Errorf("server rate_limit and rate_burst must be positive")
	}
	if len(c.Relays.DefaultRelays) == 0 {
		return fmt.Errorf("at least one default relay is required")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Stream.PollInterval <= 0 || c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream poll_interval and heartbeat must be positive")
	}
	if c.Stream.BatchSize <= 0 {
		return fmt.Errorf("stream batch_size must be positive, got %d", c.Stream.BatchSize)
	}
	if err := c.Ranking.Validate(); err != nil {
		return fmt.Errorf("ranking: %w", err)
	}
	if c.Feed.Window <= 0 {
		return fmt.Errorf("feed window must be positive")
	}
	if c.Feed.NoteLimit <= 0 || c.Feed.DefaultLimit <= 0 || c.Feed.MaxLimit < c.Feed.DefaultLimit {
		return fmt.Errorf("feed limits are inconsistent")
	}
	for name, v := range map[string]int{
		"repost_limit":      c.Feed.RepostLimit,
		"engagement_prefix": c.Feed.EngagementPrefix,
		"sample_width":      c.Feed.SampleWidth,
		"second_degree_cap": c.Feed.SecondDegreeCap,
		"widen_authors":     c.Feed.WidenAuthors,
		"widen_note_limit":  c.Feed.WidenNoteLimit,
		"follower_limit":    c.Feed.FollowerLimit,
		"concurrency":       c.Feed.Concurrency,
	} {
		if v < 0 {
			return fmt.Errorf("feed %s must not be negative, got %d", name, v)
		}
	}
	if c.Relays.FetchTimeout < 0 || c.Relays.PublishTimeout < 0 {
		return fmt.Errorf("relays fetch_timeout and publish_timeout must not be negative")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache backend redis needs redis_url")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	if c.Cache.MaxEvents <= 0 {
		return fmt.Errorf("cache max_events must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	return nil
}
