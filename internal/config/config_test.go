package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "REDIS_URL", "LOG_LEVEL", "NURUNURU_CONFIG"} {
		t.Setenv(k, "")
	}
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nurunuru.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		clearEnv(t)
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Server.Addr != ":8080" {
			t.Errorf("addr = %q", cfg.Server.Addr)
		}
		if cfg.Buffer.Capacity != 500 {
			t.Errorf("capacity = %d", cfg.Buffer.Capacity)
		}
		if cfg.Feed.Window != 3*time.Hour {
			t.Errorf("window = %v", cfg.Feed.Window)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		clearEnv(t)
		path := writeTempConfig(t, `
server:
  addr: ":9000"
relays:
  default: ["wss://relay.example.com/", "not a url", "wss://relay.example.com"]
buffer:
  capacity: 42
stream:
  poll_interval: 100ms
ranking:
  half_life_hours: 12
feed:
  window: 90m
validation:
  verify_signatures: true
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Server.Addr != ":9000" || cfg.Buffer.Capacity != 42 {
			t.Errorf("server/buffer not applied: %+v %+v", cfg.Server, cfg.Buffer)
		}
		if len(cfg.Relays.DefaultRelays) != 1 || cfg.Relays.DefaultRelays[0] != "wss://relay.example.com" {
			t.Errorf("relays = %v", cfg.Relays.DefaultRelays)
		}
		if cfg.Stream.PollInterval != 100*time.Millisecond || cfg.Stream.BatchSize != 50 {
			t.Errorf("stream = %+v", cfg.Stream)
		}
		if cfg.Ranking.HalfLifeHours != 12 || cfg.Ranking.FirstDegreeWeight != 3.0 {
			t.Errorf("ranking = %+v", cfg.Ranking)
		}
		if cfg.Feed.Window != 90*time.Minute {
			t.Errorf("window = %v", cfg.Feed.Window)
		}
		if !cfg.Validation.VerifySignatures {
			t.Error("verify_signatures not applied")
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		clearEnv(t)
		path := writeTempConfig(t, "server:\n  addr: \":9000\"\n")
		t.Setenv("PORT", "7777")
		t.Setenv("REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("LOG_LEVEL", "debug")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Server.Addr != ":7777" {
			t.Errorf("addr = %q", cfg.Server.Addr)
		}
		if cfg.Cache.Backend != "redis" || cfg.Cache.RedisURL != "redis://localhost:6379/0" {
			t.Errorf("cache = %+v", cfg.Cache)
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("level = %q", cfg.Log.Level)
		}
	})

	t.Run("path from environment", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("NURUNURU_CONFIG", writeTempConfig(t, "buffer:\n  capacity: 7\n"))
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Buffer.Capacity != 7 {
			t.Errorf("capacity = %d", cfg.Buffer.Capacity)
		}
	})

	invalid := map[string]string{
		"malformed yaml":      "server: [",
		"zero capacity":       "buffer:\n  capacity: 0\n",
		"zero poll interval":  "stream:\n  poll_interval: 0s\n",
		"no relays":           "relays:\n  default: []\n",
		"bad backend":         "cache:\n  backend: sqlite\n",
		"redis without url":   "cache:\n  backend: redis\n",
		"second above first":  "ranking:\n  second_degree_weight: 10\n",
		"unknown log level":   "log:\n  level: loud\n",
		"max below default":   "feed:\n  max_limit: 10\n",
		"non-positive window": "feed:\n  window: 0s\n",
		"negative prefix":     "feed:\n  engagement_prefix: -1\n",
		"negative widen":      "feed:\n  widen_authors: -5\n",
		"negative sample":     "feed:\n  sample_width: -1\n",
		"negative cap":        "feed:\n  second_degree_cap: -1\n",
		"negative publish":    "relays:\n  publish_timeout: -1s\n",
	}
	for name, contents := range invalid {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Load(writeTempConfig(t, contents)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
