// Package relay speaks NIP-01 to a set of websocket relays over shared connections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// ErrNoRelays is returned when no relay could be reached for an operation
var ErrNoRelays = errors.New("no relay reachable")

const (
	writeTimeout     = 10 * time.Second
	idleTimeout      = 2 * time.Minute
	subscriptionSize = 256
)

// Subscription represents an active subscription on a relay connection
type Subscription struct {
	ID        string
	EventChan chan types.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close safely closes the Done channel exactly once
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

type okResult struct {
	accepted bool
	message  string
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	conn          *websocket.Conn
	relayURL      string
	verify        bool
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	pendingOK     map[string][]chan okResult
	closed        bool
	lastActivity  time.Time
}

// Pool manages connections to multiple relays
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn // relayURL -> connection
	dials       singleflight.Group    // one dial per relayURL, outside mu

	dialer      *websocket.Dialer
	health      *Health
	verifySigs  bool
	allowUnsafe bool
	logger      *slog.Logger

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Pool
type Option func(*Pool)

// WithSignatureVerification toggles schnorr verification of relay-delivered events
func WithSignatureVerification(verify bool) Option {
	return func(p *Pool) { p.verifySigs = verify }
}

// WithUnsafeURLs disables the private-address check (tests against httptest servers)
func WithUnsafeURLs() Option {
	return func(p *Pool) { p.allowUnsafe = true }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a new connection pool
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		connections: make(map[string]*relayConn),
		dialer:      &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		health:      NewHealth(),
		verifySigs:  true,
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.cleanupLoop()
	return p
}

// getOrCreateConn gets an existing connection or creates a new one.
// Dialing happens without holding mu, so one slow relay never blocks
// lookups of the others.
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !p.allowUnsafe && !IsURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}
	if p.health.ShouldSkip(relayURL) {
		return nil, fmt.Errorf("relay %s in backoff", relayURL)
	}

	if rc := p.openConn(relayURL); rc != nil {
		return rc, nil
	}

	ch := p.dials.DoChan(relayURL, func() (interface{}, error) {
		if rc := p.openConn(relayURL); rc != nil {
			return rc, nil
		}
		return p.dial(context.WithoutCancel(ctx), relayURL)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*relayConn), nil
	}
}

func (p *Pool) openConn(relayURL string) *relayConn {
	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc
	}
	return nil
}

// dial connects to relayURL and installs the connection. The dialer's
// handshake timeout bounds it.
func (p *Pool) dial(ctx context.Context, relayURL string) (*relayConn, error) {
	p.logger.Debug("pool: dialing relay", "relay", relayURL)
	start := time.Now()
	conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		p.health.RecordFailure(relayURL)
		return nil, err
	}
	p.health.RecordSuccess(relayURL)
	p.health.RecordResponseTime(relayURL, time.Since(start))

	rc := &relayConn{
		conn:          conn,
		relayURL:      relayURL,
		verify:        p.verifySigs,
		subscriptions: make(map[string]*Subscription),
		pendingOK:     make(map[string][]chan okResult),
		lastActivity:  time.Now(),
	}

	p.mu.Lock()
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		conn.Close()
		return nil, errors.New("relay pool closed")
	default:
	}
	p.connections[relayURL] = rc
	p.mu.Unlock()

	go rc.readLoop(p.logger)
	return rc, nil
}

// Subscribe sends a REQ for filter on relayURL and returns the live subscription
func (p *Pool) Subscribe(ctx context.Context, relayURL string, filter gonostr.Filter) (*Subscription, error) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:        "sub-" + uuid.NewString()[:8],
		EventChan: make(chan types.Event, subscriptionSize),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, fmt.Errorf("connection to %s closed", relayURL)
	}
	rc.subscriptions[sub.ID] = sub
	rc.lastActivity = time.Now()
	rc.mu.Unlock()

	if err := rc.writeJSON([]interface{}{"REQ", sub.ID, filter}); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, sub.ID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe sends CLOSE (best effort) and releases the subscription
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}
	defer sub.Close()

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc == nil {
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	delete(rc.subscriptions, sub.ID)
	rc.mu.Unlock()

	if shouldSendClose {
		_ = rc.writeJSON([]interface{}{"CLOSE", sub.ID})
	}
}

// Fetch runs filter against relays until every relay sent EOSE or ctx expires.
// Events are deduplicated by id. It fails only when no relay could be subscribed.
func (p *Pool) Fetch(ctx context.Context, relays []string, filter gonostr.Filter) ([]types.Event, error) {
	type relaySub struct {
		url string
		sub *Subscription
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var subs []relaySub
	for _, relayURL := range p.health.SortByScore(relays) {
		sub, err := p.Subscribe(ctx, relayURL, filter)
		if err != nil {
			p.logger.Debug("pool: subscribe failed", "relay", relayURL, "error", err)
			continue
		}
		subs = append(subs, relaySub{relayURL, sub})
	}
	if len(subs) == 0 {
		return nil, ErrNoRelays
	}
	defer func() {
		for _, rs := range subs {
			p.Unsubscribe(rs.url, rs.sub)
		}
	}()

	merged := make(chan types.Event, subscriptionSize)
	var wg sync.WaitGroup
	for _, rs := range subs {
		wg.Add(1)
		go func(rs relaySub) {
			defer wg.Done()
			start := time.Now()
			for {
				select {
				case <-ctx.Done():
					return
				case <-rs.sub.Done:
					return
				case evt := <-rs.sub.EventChan:
					select {
					case merged <- evt:
					case <-ctx.Done():
						return
					}
				case <-rs.sub.EOSEChan:
					p.health.RecordResponseTime(rs.url, time.Since(start))
					// Drain whatever arrived before EOSE was routed
					for {
						select {
						case evt := <-rs.sub.EventChan:
							select {
							case merged <- evt:
							case <-ctx.Done():
								return
							}
						default:
							return
						}
					}
				}
			}
		}(rs)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	seen := make(map[string]bool)
	var events []types.Event
	for evt := range merged {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		events = append(events, evt)
		if filter.Limit > 0 && len(events) >= filter.Limit*len(subs) {
			break
		}
	}
	return events, nil
}

// Publish sends evt to relays and returns the relays that answered OK=true.
// It fails only when no relay accepted the event.
func (p *Pool) Publish(ctx context.Context, relays []string, evt types.Event) ([]string, error) {
	var (
		mu       sync.Mutex
		accepted []string
		lastErr  error
		wg       sync.WaitGroup
	)

	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			ok, err := p.publishOne(ctx, relayURL, evt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			if ok {
				accepted = append(accepted, relayURL)
			}
		}(relayURL)
	}
	wg.Wait()

	if len(accepted) == 0 {
		if lastErr == nil {
			lastErr = errors.New("event rejected by all relays")
		}
		return nil, fmt.Errorf("publish %s: %w", nostr.ShortID(evt.ID), lastErr)
	}
	return accepted, nil
}

func (p *Pool) publishOne(ctx context.Context, relayURL string, evt types.Event) (bool, error) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return false, err
	}

	okCh := make(chan okResult, 1)
	rc.mu.Lock()
	rc.pendingOK[evt.ID] = append(rc.pendingOK[evt.ID], okCh)
	rc.mu.Unlock()
	defer rc.dropPendingOK(evt.ID, okCh)

	if err := rc.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		rc.markClosed()
		return false, err
	}

	select {
	case res := <-okCh:
		if !res.accepted {
			p.logger.Debug("pool: event rejected", "relay", relayURL, "event_id", nostr.ShortID(evt.ID), "message", res.message)
		}
		return res.accepted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Status reports which of relays currently hold an open connection
func (p *Pool) Status(relays []string) []types.RelayStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.RelayStatus, 0, len(relays))
	for _, relayURL := range relays {
		rc := p.connections[relayURL]
		out = append(out, types.RelayStatus{
			URL:       relayURL,
			Connected: rc != nil && !rc.isClosed(),
			Healthy:   p.health.Healthy(relayURL),
		})
	}
	return out
}

// Close shuts every connection and stops the cleanup loop
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		defer p.mu.Unlock()
		for url, rc := range p.connections {
			rc.markClosed()
			delete(p.connections, url)
		}
	})
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	// Set write deadline to prevent indefinite blocking
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

func (rc *relayConn) dropPendingOK(eventID string, ch chan okResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	waiters := rc.pendingOK[eventID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(rc.pendingOK, eventID)
	} else {
		rc.pendingOK[eventID] = waiters
	}
}

// readLoop continuously reads from the connection and routes messages
func (rc *relayConn) readLoop(logger *slog.Logger) {
	defer rc.markClosed()

	for {
		var msg []json.RawMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				logger.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		var msgType string
		if json.Unmarshal(msg[0], &msgType) != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if json.Unmarshal(msg[1], &subID) != nil {
				continue
			}
			evt, reason := nostr.Validate(msg[2], nostr.ValidateOptions{VerifySignature: rc.verify})
			if reason != nostr.ReasonNone {
				logger.Debug("pool: dropping invalid event", "relay", rc.relayURL, "reason", reason)
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
					// Channel full, drop event
				}
			}

		case "EOSE":
			var subID string
			if json.Unmarshal(msg[1], &subID) != nil {
				continue
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			var eventID string
			var accepted bool
			if json.Unmarshal(msg[1], &eventID) != nil || json.Unmarshal(msg[2], &accepted) != nil {
				continue
			}
			var message string
			if len(msg) >= 4 {
				_ = json.Unmarshal(msg[3], &message)
			}
			rc.mu.Lock()
			waiters := rc.pendingOK[eventID]
			delete(rc.pendingOK, eventID)
			rc.mu.Unlock()
			for _, w := range waiters {
				select {
				case w <- okResult{accepted: accepted, message: message}:
				default:
				}
			}

		case "CLOSED":
			var subID string
			_ = json.Unmarshal(msg[1], &subID)
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				sub.Close()
			}

		case "NOTICE":
			var notice string
			_ = json.Unmarshal(msg[1], &notice)
			logger.Debug("pool: NOTICE", "relay", rc.relayURL, "notice", notice)
		}
	}
}

// markClosed marks the connection as closed and cleans up
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)
	rc.pendingOK = make(map[string][]chan okResult)
}

// cleanupLoop periodically removes stale connections
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle too long
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && len(rc.pendingOK) == 0 && now.Sub(rc.lastActivity) > idleTimeout
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				p.logger.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed()
			}
			delete(p.connections, url)
		}
	}
}
