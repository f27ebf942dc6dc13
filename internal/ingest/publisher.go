// Package ingest holds the two inbound paths for events: buffering them for
// later storage and publishing them to relays.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

var (
	// ErrEngineUnavailable is not retryable without reconfiguration
	ErrEngineUnavailable = errors.New("relay engine unavailable")

	// ErrPublishFailed matches every *PublishError via errors.Is
	ErrPublishFailed = errors.New("publish failed")
)

// PublishError carries the engine's failure message
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed: %v", e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}

// PublishResult reports the published id and the relays connected afterwards
type PublishResult struct {
	EventID string   `json:"id"`
	Relays  []string `json:"relays"`
}

// Publisher hands signed events to the engine
type Publisher struct {
	engines       *engine.Provider
	rosterTimeout time.Duration
	logger        *slog.Logger
}

// NewPublisher creates a publisher. rosterTimeout bounds the relay roster
// lookup made after a successful publish.
func NewPublisher(engines *engine.Provider, rosterTimeout time.Duration) *Publisher {
	if rosterTimeout <= 0 {
		rosterTimeout = 2 * time.Second
	}
	return &Publisher{engines: engines, rosterTimeout: rosterTimeout, logger: slog.Default()}
}

// Publish validates evt with full signature checks and publishes it.
// Validation failures are returned as a nostr.Reason.
func (p *Publisher) Publish(ctx context.Context, evt types.Event) (PublishResult, error) {
	if reason := nostr.ValidateEvent(evt, nostr.ValidateOptions{RequireSig: true}); reason != nostr.ReasonNone {
		return PublishResult{}, reason
	}

	eng, err := p.engines.Get(ctx)
	if err != nil {
		return PublishResult{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	id, err := eng.PublishEvent(ctx, evt)
	if err != nil {
		p.logger.Warn("publish failed", "event_id", nostr.ShortID(evt.ID), "error", err)
		return PublishResult{}, &PublishError{Err: err}
	}
	if id == "" {
		id = evt.ID
	}

	return PublishResult{EventID: id, Relays: p.connectedRelays(ctx, eng)}, nil
}

// connectedRelays never fails; a slow or broken roster yields an empty list
func (p *Publisher) connectedRelays(ctx context.Context, eng engine.Engine) []string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.rosterTimeout)
	defer cancel()

	relays := []string{}
	roster, err := eng.RelayList(ctx)
	if err != nil {
		p.logger.Debug("relay roster unavailable after publish", "error", err)
		return relays
	}
	for _, r := range roster {
		if r.Connected {
			relays = append(relays, r.URL)
		}
	}
	return relays
}
