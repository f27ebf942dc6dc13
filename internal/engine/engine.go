// Package engine defines the relay engine capability the rest of the service
// is written against, and its lifecycle.
package engine

import (
	"context"
	"errors"

	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/types"
)

var (
	// ErrUnavailable means no engine could be constructed; callers degrade
	ErrUnavailable = errors.New("engine unavailable")

	// ErrUnknownSubscription is returned when polling or closing an id the
	// engine does not hold
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// Engine is relay pooling plus a local event cache with query, publish and
// subscribe primitives. Implementations must be safe for concurrent use.
type Engine interface {
	// QueryLocal answers from the local cache only, no network
	QueryLocal(ctx context.Context, filter gonostr.Filter) ([]types.Event, error)
	// FetchEvents queries relays
	FetchEvents(ctx context.Context, filter gonostr.Filter) ([]types.Event, error)
	// FetchFollowList returns the pubkeys followed by pubkey (kind 3)
	FetchFollowList(ctx context.Context, pubkey string) ([]string, error)
	// FetchMuteList returns the pubkeys muted by pubkey (kind 10000)
	FetchMuteList(ctx context.Context, pubkey string) ([]string, error)

	// PublishEvent sends a signed event and returns its id
	PublishEvent(ctx context.Context, evt types.Event) (string, error)
	// RelayList reports the relay roster with connection state
	RelayList(ctx context.Context) ([]types.RelayStatus, error)

	SubscribeStream(ctx context.Context, filter gonostr.Filter) (string, error)
	// PollSubscription drains at most max queued events, oldest first
	PollSubscription(ctx context.Context, subID string, max int) ([]types.Event, error)
	UnsubscribeStream(ctx context.Context, subID string) error

	Search(ctx context.Context, query string, limit int) ([]types.Event, error)
	StoreEvent(ctx context.Context, evt types.Event) error

	Close() error
}
