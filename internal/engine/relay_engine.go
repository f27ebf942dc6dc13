package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nurunuru-server/internal/buffer"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/relay"
	"nurunuru-server/internal/store"
	"nurunuru-server/internal/types"
)

// RelayConfig configures a RelayEngine
type RelayConfig struct {
	DefaultRelays []string      `yaml:"default"`
	SearchRelays  []string      `yaml:"search"`
	PublishRelays []string      `yaml:"publish"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	// PublishTimeout bounds how long a publish waits for OK from every relay.
	// Relays that have not answered by then are treated as not accepting.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// QueueSize bounds undelivered events per stream subscription; the oldest
	// are dropped when a client polls too slowly
	QueueSize int `yaml:"queue_size"`
}

// RelayEngine implements Engine over a websocket relay pool and a local store
type RelayEngine struct {
	pool   *relay.Pool
	store  store.Store
	cfg    RelayConfig
	logger *slog.Logger

	listGroup singleflight.Group

	mu   sync.Mutex
	subs map[string]*streamSub
}

type streamSub struct {
	id       string
	filter   gonostr.Filter
	relays   map[string]*relay.Subscription
	cancel   context.CancelFunc
	mu       sync.Mutex
	queue    []types.Event
	seen     *buffer.EventBuffer // recent ids only, bounded
	live     int                 // relay pumps still attached
	lastPoll time.Time
	dropped  int
}

func newStreamSub(filter gonostr.Filter, cancel context.CancelFunc, queueSize int) *streamSub {
	return &streamSub{
		id:       uuid.NewString(),
		filter:   filter,
		relays:   make(map[string]*relay.Subscription),
		cancel:   cancel,
		seen:     buffer.New(2 * queueSize),
		lastPoll: time.Now(),
	}
}

// NewRelayEngine creates an engine. The pool and store are owned by the engine
// and closed with it.
func NewRelayEngine(pool *relay.Pool, st store.Store, cfg RelayConfig) *RelayEngine {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 8 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if len(cfg.PublishRelays) == 0 {
		cfg.PublishRelays = cfg.DefaultRelays
	}
	if len(cfg.SearchRelays) == 0 {
		cfg.SearchRelays = cfg.DefaultRelays
	}
	return &RelayEngine{
		pool:   pool,
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*streamSub),
	}
}

func (e *RelayEngine) QueryLocal(ctx context.Context, filter gonostr.Filter) ([]types.Event, error) {
	return e.store.Query(ctx, filter)
}

func (e *RelayEngine) FetchEvents(ctx context.Context, filter gonostr.Filter) ([]types.Event, error) {
	return e.fetch(ctx, e.cfg.DefaultRelays, filter)
}

func (e *RelayEngine) fetch(ctx context.Context, relays []string, filter gonostr.Filter) ([]types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	events, err := e.pool.Fetch(ctx, relays, filter)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if err := e.store.Put(ctx, evt); err != nil {
			e.logger.Debug("engine: store put failed", "event_id", nostr.ShortID(evt.ID), "error", err)
			break
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// latestReplaceable returns the newest event of kind by pubkey, from relays
// with the local store as fallback. Concurrent lookups for the same key share
// one fetch, which is detached from any single caller's cancellation.
func (e *RelayEngine) latestReplaceable(ctx context.Context, kind int, pubkey string) (*types.Event, error) {
	key := fmt.Sprintf("%d:%s", kind, pubkey)
	ch := e.listGroup.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FetchTimeout)
		defer cancel()

		filter := gonostr.Filter{Kinds: []int{kind}, Authors: []string{pubkey}, Limit: 1}
		events, err := e.fetch(fctx, e.cfg.DefaultRelays, filter)
		if err != nil || len(events) == 0 {
			local, lerr := e.store.Query(fctx, filter)
			if lerr == nil && len(local) > 0 {
				return &local[0], nil
			}
			if err != nil {
				return nil, err
			}
			return (*types.Event)(nil), nil
		}
		return &events[0], nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			e.logger.Debug("singleflight: shared replaceable fetch", "kind", kind, "pubkey", nostr.ShortID(pubkey))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Event), nil
	}
}

func (e *RelayEngine) FetchFollowList(ctx context.Context, pubkey string) ([]string, error) {
	evt, err := e.latestReplaceable(ctx, types.KindContactList, pubkey)
	if err != nil || evt == nil {
		return []string{}, err
	}
	return nostr.PubkeyTags(*evt), nil
}

func (e *RelayEngine) FetchMuteList(ctx context.Context, pubkey string) ([]string, error) {
	evt, err := e.latestReplaceable(ctx, types.KindMuteList, pubkey)
	if err != nil || evt == nil {
		return []string{}, err
	}
	return nostr.PubkeyTags(*evt), nil
}

func (e *RelayEngine) PublishEvent(ctx context.Context, evt types.Event) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	if _, err := e.pool.Publish(pctx, e.cfg.PublishRelays, evt); err != nil {
		return "", err
	}
	if err := e.store.Put(ctx, evt); err != nil {
		e.logger.Debug("engine: store put failed", "event_id", nostr.ShortID(evt.ID), "error", err)
	}
	return evt.ID, nil
}

func (e *RelayEngine) RelayList(ctx context.Context) ([]types.RelayStatus, error) {
	seen := make(map[string]bool)
	var roster []string
	for _, list := range [][]string{e.cfg.DefaultRelays, e.cfg.PublishRelays} {
		for _, r := range list {
			if !seen[r] {
				seen[r] = true
				roster = append(roster, r)
			}
		}
	}
	return e.pool.Status(roster), nil
}

func (e *RelayEngine) SubscribeStream(ctx context.Context, filter gonostr.Filter) (string, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	sub := newStreamSub(filter, cancel, e.cfg.QueueSize)

	for _, relayURL := range e.cfg.DefaultRelays {
		rs, err := e.pool.Subscribe(ctx, relayURL, filter)
		if err != nil {
			e.logger.Debug("engine: stream subscribe failed", "relay", relayURL, "error", err)
			continue
		}
		sub.relays[relayURL] = rs
		sub.attach()
		go e.pump(streamCtx, sub, rs)
	}
	if len(sub.relays) == 0 {
		cancel()
		return "", relay.ErrNoRelays
	}

	e.mu.Lock()
	e.subs[sub.id] = sub
	e.mu.Unlock()

	e.logger.Debug("engine: stream opened", "sub_id", sub.id, "relays", len(sub.relays))
	return sub.id, nil
}

// pump moves events from one relay subscription into the stream queue
func (e *RelayEngine) pump(ctx context.Context, sub *streamSub, rs *relay.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.Done:
			if sub.detach() == 0 && ctx.Err() == nil {
				e.logger.Warn("engine: stream lost every relay", "sub_id", sub.id)
			}
			return
		case <-rs.EOSEChan:
		case evt := <-rs.EventChan:
			if !sub.filter.Matches(nostr.ToFilterEvent(evt)) {
				continue
			}
			sub.push(evt, e.cfg.QueueSize)
			if err := e.store.Put(ctx, evt); err != nil {
				e.logger.Debug("engine: store put failed", "event_id", nostr.ShortID(evt.ID), "error", err)
			}
		}
	}
}

func (s *streamSub) attach() {
	s.mu.Lock()
	s.live++
	s.mu.Unlock()
}

// detach records a relay subscription ending and returns how many remain
func (s *streamSub) detach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live--
	return s.live
}

func (s *streamSub) push(evt types.Event, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen.Put(types.Event{ID: evt.ID}) {
		return
	}
	if len(s.queue) >= max {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, evt)
}

func (e *RelayEngine) PollSubscription(ctx context.Context, subID string, max int) ([]types.Event, error) {
	e.mu.Lock()
	sub := e.subs[subID]
	e.mu.Unlock()
	if sub == nil {
		return nil, ErrUnknownSubscription
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.lastPoll = time.Now()
	if len(sub.queue) == 0 && sub.live <= 0 {
		return nil, fmt.Errorf("stream %s: %w", subID, relay.ErrNoRelays)
	}
	n := len(sub.queue)
	if max > 0 && n > max {
		n = max
	}
	out := make([]types.Event, n)
	copy(out, sub.queue[:n])
	sub.queue = sub.queue[n:]
	return out, nil
}

func (e *RelayEngine) UnsubscribeStream(ctx context.Context, subID string) error {
	e.mu.Lock()
	sub := e.subs[subID]
	delete(e.subs, subID)
	e.mu.Unlock()
	if sub == nil {
		return ErrUnknownSubscription
	}

	sub.cancel()
	for relayURL, rs := range sub.relays {
		e.pool.Unsubscribe(relayURL, rs)
	}
	sub.mu.Lock()
	dropped := sub.dropped
	sub.mu.Unlock()
	if dropped > 0 {
		e.logger.Debug("engine: stream closed with dropped events", "sub_id", subID, "dropped", dropped)
	}
	return nil
}

// Search asks NIP-50 relays and falls back to the local store
func (e *RelayEngine) Search(ctx context.Context, query string, limit int) ([]types.Event, error) {
	filter := gonostr.Filter{Kinds: []int{types.KindTextNote}, Search: query, Limit: limit}
	events, err := e.fetch(ctx, e.cfg.SearchRelays, filter)
	if err == nil && len(events) > 0 {
		return events, nil
	}
	local, lerr := e.store.Query(ctx, filter)
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	return local, nil
}

func (e *RelayEngine) StoreEvent(ctx context.Context, evt types.Event) error {
	return e.store.Put(ctx, evt)
}

func (e *RelayEngine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.UnsubscribeStream(context.Background(), id)
	}

	e.pool.Close()
	return e.store.Close()
}
