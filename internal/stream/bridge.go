// Package stream bridges an engine subscription to a push-style sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// ErrStreamTerminated wraps every way a streaming session ends after it opened
var ErrStreamTerminated = errors.New("stream terminated")

// Sink receives stream output. The bridge never calls a sink concurrently.
type Sink interface {
	Event(evt types.Event) error
	Heartbeat() error
	Error(msg string) error
}

// State of a bridge
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options tune polling cadence
type Options struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	BatchSize          int           `yaml:"batch_size"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	UnsubscribeTimeout time.Duration `yaml:"unsubscribe_timeout"`
}

// DefaultOptions returns the standard cadence: 50ms polls of up to 50 events
// and a 25s keep-alive
func DefaultOptions() Options {
	return Options{
		PollInterval:       50 * time.Millisecond,
		BatchSize:          50,
		Heartbeat:          25 * time.Second,
		UnsubscribeTimeout: 2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = d.Heartbeat
	}
	if o.UnsubscribeTimeout <= 0 {
		o.UnsubscribeTimeout = d.UnsubscribeTimeout
	}
	return o
}

// Bridge runs one subscription for one consumer. It is single use.
type Bridge struct {
	eng    engine.Engine
	opts   Options
	state  atomic.Int32
	logger *slog.Logger
}

// NewBridge creates a bridge in the Opening state
func NewBridge(eng engine.Engine, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{eng: eng, opts: opts.withDefaults(), logger: logger}
}

// State reports the current lifecycle state
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// Run opens a subscription for filter and streams it to sink until ctx is
// cancelled, a poll fails or the sink refuses a write. It always leaves the
// bridge Closed. An open failure is reported to the sink as one error frame.
func (b *Bridge) Run(ctx context.Context, filter gonostr.Filter, sink Sink) error {
	subID, err := b.eng.SubscribeStream(ctx, filter)
	if err != nil {
		b.setState(StateClosed)
		if ctx.Err() == nil {
			_ = sink.Error("failed to open subscription")
		}
		return fmt.Errorf("open subscription: %w", err)
	}
	b.setState(StateStreaming)
	b.logger.Debug("stream: opened", "sub_id", subID)

	cause := b.loop(ctx, subID, sink)

	b.close(subID)
	return fmt.Errorf("%w: %v", ErrStreamTerminated, cause)
}

// loop is the only place that writes to the sink while streaming
func (b *Bridge) loop(ctx context.Context, subID string, sink Sink) error {
	heartbeat := time.NewTicker(b.opts.Heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := sink.Heartbeat(); err != nil {
				return err
			}

		case <-poll.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			events, err := b.eng.PollSubscription(ctx, subID, b.opts.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Warn("stream: poll failed", "sub_id", subID, "error", err)
				_ = sink.Error("subscription failed")
				return err
			}
			for _, evt := range events {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := sink.Event(evt); err != nil {
					b.logger.Debug("stream: sink write failed", "event_id", nostr.ShortID(evt.ID), "error", err)
					return err
				}
			}
			poll.Reset(b.opts.PollInterval)
		}
	}
}

// close makes exactly one unsubscribe attempt on a fresh bounded context
func (b *Bridge) close(subID string) {
	b.setState(StateClosing)
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.UnsubscribeTimeout)
	defer cancel()
	if err := b.eng.UnsubscribeStream(ctx, subID); err != nil {
		b.logger.Debug("stream: unsubscribe failed", "sub_id", subID, "error", err)
	}
	b.setState(StateClosed)
	b.logger.Debug("stream: closed", "sub_id", subID)
}
