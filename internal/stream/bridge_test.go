package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/engine/enginetest"
	"nurunuru-server/internal/types"
)

type recordingSink struct {
	mu         sync.Mutex
	events     []string
	heartbeats int
	errors     []string
	onEvent    func(n int)
}

func (s *recordingSink) Event(evt types.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt.ID)
	n := len(s.events)
	s.mu.Unlock()
	if s.onEvent != nil {
		s.onEvent(n)
	}
	return nil
}

func (s *recordingSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) Error(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
	return nil
}

func events(ids ...int) []types.Event {
	out := make([]types.Event, len(ids))
	for i, id := range ids {
		out[i] = types.Event{ID: fmt.Sprintf("%064x", id)}
	}
	return out
}

func fastOptions() Options {
	return Options{PollInterval: time.Millisecond, BatchSize: 50, Heartbeat: time.Hour, UnsubscribeTimeout: 100 * time.Millisecond}
}

func TestCancellationStopsPollingAndWrites(t *testing.T) {
	for _, unsubErr := range []error{nil, errors.New("engine gone")} {
		t.Run(fmt.Sprintf("unsubscribe error %v", unsubErr), func(t *testing.T) {
			fake := &enginetest.Fake{
				PollBatches:    [][]types.Event{events(1, 2, 3), events(4)},
				UnsubscribeErr: unsubErr,
			}
			ctx, cancel := context.WithCancel(context.Background())
			sink := &recordingSink{onEvent: func(n int) { cancel() }}

			b := NewBridge(fake, fastOptions(), nil)
			err := b.Run(ctx, gonostr.Filter{Kinds: []int{1}}, sink)

			if !errors.Is(err, ErrStreamTerminated) {
				t.Errorf("Run() error = %v, want ErrStreamTerminated", err)
			}
			if len(sink.events) != 1 {
				t.Errorf("sink got %d events after cancellation, want 1", len(sink.events))
			}
			if got := fake.PollCalls.Load(); got != 1 {
				t.Errorf("poll calls = %d, want 1", got)
			}
			if got := fake.UnsubscribeCalls.Load(); got != 1 {
				t.Errorf("unsubscribe calls = %d, want 1", got)
			}
			if b.State() != StateClosed {
				t.Errorf("state = %v, want closed", b.State())
			}
		})
	}
}

func TestEventsDeliveredInPollOrder(t *testing.T) {
	fake := &enginetest.Fake{PollBatches: [][]types.Event{events(3, 1), events(2), events(5, 4)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onEvent: func(n int) {
		if n == 5 {
			cancel()
		}
	}}

	NewBridge(fake, fastOptions(), nil).Run(ctx, gonostr.Filter{}, sink)

	want := events(3, 1, 2, 5, 4)
	if len(sink.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(sink.events), len(want))
	}
	for i := range want {
		if sink.events[i] != want[i].ID {
			t.Errorf("event %d out of order", i)
		}
	}
}

func TestPollIsBoundedByBatchSize(t *testing.T) {
	var big []int
	for i := 0; i < 120; i++ {
		big = append(big, i)
	}
	fake := &enginetest.Fake{PollBatches: [][]types.Event{events(big...)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onEvent: func(n int) {
		if n == 120 {
			cancel()
		}
	}}

	NewBridge(fake, fastOptions(), nil).Run(ctx, gonostr.Filter{}, sink)

	if got := fake.PollCalls.Load(); got < 3 {
		t.Errorf("120 events drained in %d polls with batch size 50", got)
	}
}

func TestHeartbeats(t *testing.T) {
	fake := &enginetest.Fake{}
	opts := fastOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.Heartbeat = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	sink := &recordingSink{}
	NewBridge(fake, opts, nil).Run(ctx, gonostr.Filter{}, sink)

	if sink.heartbeats == 0 {
		t.Error("no heartbeat written")
	}
	if len(sink.errors) != 0 {
		t.Errorf("unexpected error frames %v", sink.errors)
	}
}

func TestOpenFailureEmitsSingleError(t *testing.T) {
	fake := &enginetest.Fake{SubscribeErr: errors.New("no relays")}
	sink := &recordingSink{}
	b := NewBridge(fake, fastOptions(), nil)

	err := b.Run(context.Background(), gonostr.Filter{}, sink)
	if err == nil || errors.Is(err, ErrStreamTerminated) {
		t.Errorf("Run() error = %v, want open failure", err)
	}
	if len(sink.errors) != 1 {
		t.Errorf("error frames = %d, want 1", len(sink.errors))
	}
	if fake.PollCalls.Load() != 0 || fake.UnsubscribeCalls.Load() != 0 {
		t.Error("no poll or unsubscribe expected after failed open")
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestPollErrorClosesStream(t *testing.T) {
	fake := &enginetest.Fake{PollErr: errors.New("relay reset")}
	sink := &recordingSink{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := NewBridge(fake, fastOptions(), nil).Run(ctx, gonostr.Filter{}, sink)
	if !errors.Is(err, ErrStreamTerminated) {
		t.Errorf("Run() error = %v", err)
	}
	if len(sink.errors) != 1 {
		t.Errorf("error frames = %d, want 1", len(sink.errors))
	}
	if fake.UnsubscribeCalls.Load() != 1 {
		t.Errorf("unsubscribe calls = %d, want 1", fake.UnsubscribeCalls.Load())
	}
}

func TestStateString(t *testing.T) {
	if StateStreaming.String() != "streaming" || State(9).String() != "state(9)" {
		t.Error("unexpected State.String output")
	}
}
