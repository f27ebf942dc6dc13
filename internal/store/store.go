// Package store keeps a local cache of events that queryLocal can answer from
// without touching relays.
package store

import (
	"context"
	"sort"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// Store defines the interface for local event store implementations
type Store interface {
	// Put stores an event; storing an id twice is a no-op
	Put(ctx context.Context, evt types.Event) error

	// Get retrieves a single event by id
	// Returns (event, found, error)
	Get(ctx context.Context, id string) (types.Event, bool, error)

	// Query returns stored events matching filter, newest first
	Query(ctx context.Context, filter gonostr.Filter) ([]types.Event, error)

	// Len returns the number of stored events
	Len(ctx context.Context) (int, error)

	// Close releases the backend
	Close() error
}

// Config holds store sizing and expiry
type Config struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisURL  string        `yaml:"redis_url"`
	Prefix    string        `yaml:"prefix"`
	MaxEvents int           `yaml:"max_events"`
	TTL       time.Duration `yaml:"ttl"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Backend:   "memory",
		Prefix:    "nurunuru:",
		MaxEvents: 10000,
		TTL:       6 * time.Hour, // twice the feed candidate window
	}
}

// New builds the configured backend
func New(cfg Config) (Store, error) {
	if cfg.Backend == "redis" && cfg.RedisURL != "" {
		return NewRedisStore(cfg.RedisURL, cfg.Prefix, cfg.MaxEvents, cfg.TTL)
	}
	return NewMemoryStore(cfg.MaxEvents, cfg.TTL, time.Minute), nil
}

// match reports whether evt passes filter. Search is a case-insensitive
// content substring match, which is what a local cache can offer.
func match(filter gonostr.Filter, evt types.Event) bool {
	search := filter.Search
	filter.Search = ""
	if !filter.Matches(nostr.ToFilterEvent(evt)) {
		return false
	}
	return search == "" || containsFold(evt.Content, search)
}

// sortNewest orders events by created_at desc then id asc and applies limit
func sortNewest(events []types.Event, limit int) []types.Event {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
