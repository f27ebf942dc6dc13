// Package enginetest provides an in-memory Engine for tests.
package enginetest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

var _ engine.Engine = (*Fake)(nil)

// Fake is a scriptable Engine. Relay-side events are served from Events and
// local ones from Local; the *Err fields make the matching call fail.
type Fake struct {
	mu sync.Mutex

	Events  []types.Event
	Local   []types.Event
	Follows map[string][]string
	Mutes   map[string][]string
	Relays  []types.RelayStatus

	// PollBatches are returned by successive PollSubscription calls
	PollBatches [][]types.Event

	// RelayListDelay stalls RelayList until ctx is done or the delay passes
	RelayListDelay time.Duration

	FetchErr       error
	QueryErr       error
	FollowErr      error
	PublishErr     error
	RelayListErr   error
	SubscribeErr   error
	PollErr        error
	UnsubscribeErr error
	SearchErr      error
	StoreErr       error

	// FetchHook, when set, decides FetchEvents failures per filter
	FetchHook func(filter gonostr.Filter) error

	Stored    []types.Event
	Published []types.Event

	FetchCalls       atomic.Int32
	SubscribeCalls   atomic.Int32
	PollCalls        atomic.Int32
	UnsubscribeCalls atomic.Int32
	Closed           atomic.Bool
}

func filterEvents(events []types.Event, filter gonostr.Filter) []types.Event {
	var out []types.Event
	for _, evt := range events {
		if !filter.Matches(nostr.ToFilterEvent(evt)) {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(evt.Content), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, evt)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (f *Fake) QueryLocal(ctx context.Context, filter gonostr.Filter) ([]types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	return filterEvents(f.Local, filter), nil
}

func (f *Fake) FetchEvents(ctx context.Context, filter gonostr.Filter) ([]types.Event, error) {
	f.FetchCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	if f.FetchHook != nil {
		if err := f.FetchHook(filter); err != nil {
			return nil, err
		}
	}
	return filterEvents(f.Events, filter), nil
}

func (f *Fake) FetchFollowList(ctx context.Context, pubkey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FollowErr != nil {
		return nil, f.FollowErr
	}
	return append([]string{}, f.Follows[pubkey]...), nil
}

func (f *Fake) FetchMuteList(ctx context.Context, pubkey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.Mutes[pubkey]...), nil
}

func (f *Fake) PublishEvent(ctx context.Context, evt types.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return "", f.PublishErr
	}
	f.Published = append(f.Published, evt)
	return evt.ID, nil
}

func (f *Fake) RelayList(ctx context.Context) ([]types.RelayStatus, error) {
	f.mu.Lock()
	delay, relays, err := f.RelayListDelay, f.Relays, f.RelayListErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return relays, nil
}

func (f *Fake) SubscribeStream(ctx context.Context, filter gonostr.Filter) (string, error) {
	f.SubscribeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return "", f.SubscribeErr
	}
	return "fake-sub", nil
}

func (f *Fake) PollSubscription(ctx context.Context, subID string, max int) ([]types.Event, error) {
	f.PollCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PollErr != nil {
		return nil, f.PollErr
	}
	if len(f.PollBatches) == 0 {
		return nil, nil
	}
	batch := f.PollBatches[0]
	if max > 0 && len(batch) > max {
		f.PollBatches[0] = batch[max:]
		return batch[:max], nil
	}
	f.PollBatches = f.PollBatches[1:]
	return batch, nil
}

func (f *Fake) UnsubscribeStream(ctx context.Context, subID string) error {
	f.UnsubscribeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.UnsubscribeErr
}

func (f *Fake) Search(ctx context.Context, query string, limit int) ([]types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	return filterEvents(f.Events, gonostr.Filter{Search: query, Limit: limit}), nil
}

func (f *Fake) StoreEvent(ctx context.Context, evt types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StoreErr != nil {
		return f.StoreErr
	}
	f.Stored = append(f.Stored, evt)
	return nil
}

// StoredEvents returns a copy of the events passed to StoreEvent
func (f *Fake) StoredEvents() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Event{}, f.Stored...)
}

func (f *Fake) Close() error {
	f.Closed.Store(true)
	return nil
}
