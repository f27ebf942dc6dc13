package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory constructs an engine
type Factory func(ctx context.Context) (Engine, error)

// Provider owns the process-wide engine. Construction happens lazily on first
// use and is serialized; once built, Get only takes the lock briefly so
// regular engine calls are never serialized.
type Provider struct {
	mu          sync.Mutex
	factory     Factory
	engine      Engine
	closed      bool
	lastErr     error
	lastAttempt time.Time
	retryAfter  time.Duration
	now         func() time.Time
}

// NewProvider creates a provider that builds its engine with factory.
// After a failed construction, further attempts wait retryAfter.
func NewProvider(factory Factory, retryAfter time.Duration) *Provider {
	return &Provider{
		factory:    factory,
		retryAfter: retryAfter,
		now:        time.Now,
	}
}

// Static wraps an already built engine. A nil engine yields a provider that
// is permanently unavailable.
func Static(e Engine) *Provider {
	p := &Provider{now: time.Now}
	if e == nil {
		p.lastErr = fmt.Errorf("no engine configured")
		p.retryAfter = 365 * 24 * time.Hour
		p.lastAttempt = time.Now()
		return p
	}
	p.engine = e
	return p
}

// Get returns the engine, constructing it if needed.
// Any failure is reported as ErrUnavailable.
func (p *Provider) Get(ctx context.Context) (Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: provider closed", ErrUnavailable)
	}
	if p.engine != nil {
		return p.engine, nil
	}
	if p.lastErr != nil && p.now().Sub(p.lastAttempt) < p.retryAfter {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, p.lastErr)
	}
	if p.factory == nil {
		return nil, ErrUnavailable
	}

	p.lastAttempt = p.now()
	e, err := p.factory(ctx)
	if err != nil {
		p.lastErr = err
		slog.Warn("engine init failed", "error", err, "retry_after", p.retryAfter)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.engine = e
	p.lastErr = nil
	slog.Info("engine initialized")
	return e, nil
}

// Available reports whether an engine is built, without triggering construction
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine != nil && !p.closed
}

// Close shuts the engine down. Later Get calls fail with ErrUnavailable.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.engine == nil {
		return nil
	}
	err := p.engine.Close()
	p.engine = nil
	return err
}
