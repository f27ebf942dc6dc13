package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"nurunuru-server/internal/buffer"
	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/engine/enginetest"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

func validEvent(i int) types.Event {
	return types.Event{
		ID:        fmt.Sprintf("%064x", i),
		PubKey:    strings.Repeat("a", 64),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{},
		Content:   "hi",
		Sig:       strings.Repeat("b", 128),
	}
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestIngestCountsMixture(t *testing.T) {
	fake := &enginetest.Fake{}
	in := NewIngestor(buffer.New(10), engine.Static(fake), nostr.ValidateOptions{})
	ctx := context.Background()

	in.Ingest(ctx, []json.RawMessage{raw(t, validEvent(1))})

	invalid := validEvent(9)
	invalid.PubKey = strings.Repeat("a", 63)
	batch := []json.RawMessage{
		raw(t, validEvent(2)),
		raw(t, validEvent(3)),
		raw(t, validEvent(4)),
		raw(t, validEvent(1)),
		raw(t, invalid),
	}
	got := in.Ingest(ctx, batch)

	want := Result{Accepted: 3, Duplicate: 1, Invalid: 1, Total: 5, Buffered: 4, EngineAvailable: true}
	if got != want {
		t.Errorf("Ingest() = %+v, want %+v", got, want)
	}
	if n := len(fake.StoredEvents()); n != 4 {
		t.Errorf("engine stored %d events, want 4", n)
	}
}

func TestIngestWithoutEngineStillBuffers(t *testing.T) {
	in := NewIngestor(buffer.New(10), engine.Static(nil), nostr.ValidateOptions{})
	got := in.Ingest(context.Background(), []json.RawMessage{raw(t, validEvent(1))})
	if got.Accepted != 1 || got.Buffered != 1 || got.EngineAvailable {
		t.Errorf("Ingest() = %+v", got)
	}
}

func TestIngestStoreFailureIsIgnored(t *testing.T) {
	fake := &enginetest.Fake{StoreErr: errors.New("disk full")}
	in := NewIngestor(buffer.New(10), engine.Static(fake), nostr.ValidateOptions{})
	got := in.Ingest(context.Background(), []json.RawMessage{raw(t, validEvent(1))})
	if got.Accepted != 1 || !got.EngineAvailable {
		t.Errorf("Ingest() = %+v", got)
	}
}

func TestFlushDrainsBuffer(t *testing.T) {
	fake := &enginetest.Fake{}
	buf := buffer.New(10)
	in := NewIngestor(buf, engine.Static(fake), nostr.ValidateOptions{})
	buf.Put(validEvent(1))
	buf.Put(validEvent(2))

	res, err := in.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Flushed != 2 || res.Failed != 0 {
		t.Errorf("Flush() = %+v", res)
	}
	if buf.Size() != 0 {
		t.Errorf("buffer size after flush = %d", buf.Size())
	}
}

func TestFlushWithoutEngineKeepsBuffer(t *testing.T) {
	buf := buffer.New(10)
	buf.Put(validEvent(1))
	in := NewIngestor(buf, engine.Static(nil), nostr.ValidateOptions{})

	if _, err := in.Flush(context.Background()); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("Flush() error = %v, want ErrEngineUnavailable", err)
	}
	if buf.Size() != 1 {
		t.Error("buffer drained without an engine")
	}
}

func TestPublishSuccessReportsConnectedRelays(t *testing.T) {
	fake := &enginetest.Fake{Relays: []types.RelayStatus{
		{URL: "wss://a.example", Connected: true},
		{URL: "wss://b.example", Connected: false},
	}}
	p := NewPublisher(engine.Static(fake), time.Second)

	res, err := p.Publish(context.Background(), validEvent(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.EventID != validEvent(1).ID {
		t.Errorf("EventID = %s", res.EventID)
	}
	if len(res.Relays) != 1 || res.Relays[0] != "wss://a.example" {
		t.Errorf("Relays = %v", res.Relays)
	}
}

func TestPublishRosterFailureIsSwallowed(t *testing.T) {
	tests := []struct {
		name string
		fake *enginetest.Fake
	}{
		{"error", &enginetest.Fake{RelayListErr: errors.New("nope")}},
		{"timeout", &enginetest.Fake{RelayListDelay: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(engine.Static(tt.fake), 20*time.Millisecond)
			start := time.Now()
			res, err := p.Publish(context.Background(), validEvent(1))
			if err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if res.Relays == nil || len(res.Relays) != 0 {
				t.Errorf("Relays = %v, want empty list", res.Relays)
			}
			if time.Since(start) > 500*time.Millisecond {
				t.Error("roster lookup was not bounded")
			}
		})
	}
}

func TestPublishErrors(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		p := NewPublisher(engine.Static(nil), time.Second)
		_, err := p.Publish(context.Background(), validEvent(1))
		if !errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrPublishFailed) {
			t.Errorf("error = %v, want only ErrEngineUnavailable", err)
		}
	})

	t.Run("engine failure", func(t *testing.T) {
		p := NewPublisher(engine.Static(&enginetest.Fake{PublishErr: errors.New("relay said no")}), time.Second)
		_, err := p.Publish(context.Background(), validEvent(1))
		var pe *PublishError
		if !errors.As(err, &pe) || !errors.Is(err, ErrPublishFailed) {
			t.Fatalf("error = %v, want *PublishError", err)
		}
		if !strings.Contains(err.Error(), "relay said no") {
			t.Errorf("error %q lost the engine message", err)
		}
	})

	t.Run("short sig", func(t *testing.T) {
		p := NewPublisher(engine.Static(&enginetest.Fake{}), time.Second)
		evt := validEvent(1)
		evt.Sig = "abcd"
		_, err := p.Publish(context.Background(), evt)
		if !errors.Is(err, nostr.ReasonSig) {
			t.Errorf("error = %v, want ReasonSig", err)
		}
	})
}
