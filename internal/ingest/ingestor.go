package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"nurunuru-server/internal/buffer"
	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// MaxBatch is the largest number of events one ingest call accepts
const MaxBatch = 100

// Result summarizes one ingest batch
type Result struct {
	Accepted        int  `json:"accepted"`
	Duplicate       int  `json:"duplicate"`
	Invalid         int  `json:"invalid"`
	Total           int  `json:"total"`
	Buffered        int  `json:"buffered"`
	EngineAvailable bool `json:"engineAvailable"`
}

// FlushResult summarizes a buffer flush
type FlushResult struct {
	Flushed int `json:"flushed"`
	Failed  int `json:"failed"`
}

// Ingestor validates inbound events into the shared buffer
type Ingestor struct {
	buf     *buffer.EventBuffer
	engines *engine.Provider
	opts    nostr.ValidateOptions
	logger  *slog.Logger
}

// NewIngestor creates an ingestor over buf
func NewIngestor(buf *buffer.EventBuffer, engines *engine.Provider, opts nostr.ValidateOptions) *Ingestor {
	return &Ingestor{buf: buf, engines: engines, opts: opts, logger: slog.Default()}
}

// Buffer exposes the underlying buffer
func (in *Ingestor) Buffer() *buffer.EventBuffer {
	return in.buf
}

// Ingest validates and buffers raw events. Callers enforce MaxBatch.
// Accepted events are also handed to the engine's store when one is
// available; store failures never affect the counts.
func (in *Ingestor) Ingest(ctx context.Context, raw []json.RawMessage) Result {
	res := Result{Total: len(raw)}

	var accepted []types.Event
	for _, r := range raw {
		evt, reason := nostr.Validate(r, in.opts)
		if reason != nostr.ReasonNone {
			res.Invalid++
			in.logger.Debug("ingest: rejected event", "reason", reason)
			continue
		}
		if !in.buf.Put(evt) {
			res.Duplicate++
			continue
		}
		res.Accepted++
		accepted = append(accepted, evt)
	}
	res.Buffered = in.buf.Size()

	eng, err := in.engines.Get(ctx)
	if err != nil {
		return res
	}
	res.EngineAvailable = true
	for _, evt := range accepted {
		if err := eng.StoreEvent(ctx, evt); err != nil {
			in.logger.Debug("ingest: store failed", "event_id", nostr.ShortID(evt.ID), "error", err)
		}
	}
	return res
}

// Flush drains the buffer into the engine's store. Without an engine the
// buffer is left untouched.
func (in *Ingestor) Flush(ctx context.Context) (FlushResult, error) {
	eng, err := in.engines.Get(ctx)
	if err != nil {
		return FlushResult{}, ErrEngineUnavailable
	}

	var res FlushResult
	for _, evt := range in.buf.Drain() {
		if err := eng.StoreEvent(ctx, evt); err != nil {
			res.Failed++
			in.logger.Warn("flush: store failed", "event_id", nostr.ShortID(evt.ID), "error", err)
			continue
		}
		res.Flushed++
	}
	return res, nil
}
