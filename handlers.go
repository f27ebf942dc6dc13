package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"nurunuru-server/internal/feed"
	"nurunuru-server/internal/ingest"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/stream"
	"nurunuru-server/internal/types"
	"nurunuru-server/internal/util"
)

// Result tiers reported in the source field
const (
	sourceEngine      = "rust"
	sourceFallback    = "fallback"
	sourceUnavailable = "unavailable"
)

const (
	searchDefaultLimit = 20
	searchMaxLimit     = 100
)

type publishResponse struct {
	ingest.PublishResult
	Source string `json:"source"`
}

type searchResponse struct {
	Results []types.Event `json:"results"`
	Source  string        `json:"source"`
}

type followsResponse struct {
	Follows []string `json:"follows"`
	Source  string   `json:"source"`
}

// parsePubkey accepts 64-char hex (any case) or an npub
func parsePubkey(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return "", false
		}
		pk, ok := value.(string)
		return pk, ok && nostr.IsHex64(pk)
	}
	s = strings.ToLower(s)
	return s, nostr.IsHex64(s)
}

// decodeArrayField extracts a JSON array field; null, objects and scalars fail
func decodeArrayField(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

// ingestHandler: POST /ingest {events: Event[]}
func (s *server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events json.RawMessage `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "malformed request body")
		return
	}
	events, ok := decodeArrayField(req.Events)
	if !ok {
		util.RespondBadRequest(w, "events must be an array")
		return
	}
	if len(events) > ingest.MaxBatch {
		util.RespondBadRequest(w, "too many events, max 100")
		return
	}

	res := s.ingestor.Ingest(r.Context(), events)
	ingestAcceptedTotal.Add(int64(res.Accepted))
	ingestDuplicateTotal.Add(int64(res.Duplicate))
	ingestInvalidTotal.Add(int64(res.Invalid))

	LoggerFromContext(r.Context()).Debug("ingest batch",
		"accepted", res.Accepted,
		"duplicate", res.Duplicate,
		"invalid", res.Invalid,
		"buffered", res.Buffered)
	util.WriteJSON(w, http.StatusOK, res)
}

// flushHandler: POST /ingest/flush
func (s *server) flushHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.ingestor.Flush(r.Context())
	if err != nil {
		util.RespondServiceUnavailable(w, "engine not available")
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

// publishHandler: POST /publish {event}
func (s *server) publishHandler(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())

	var req struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "malformed request body")
		return
	}
	opts := s.validate
	opts.RequireSig = true
	evt, reason := nostr.Validate(req.Event, opts)
	if reason != nostr.ReasonNone {
		util.RespondBadRequest(w, "invalid event: "+string(reason))
		return
	}

	res, err := s.publisher.Publish(r.Context(), evt)
	switch {
	case err == nil:
		publishSuccessTotal.Add(1)
		util.WriteJSON(w, http.StatusOK, publishResponse{PublishResult: res, Source: sourceEngine})
	case errors.Is(err, ingest.ErrEngineUnavailable):
		util.RespondServiceUnavailable(w, "relay engine not available")
	case errors.Is(err, ingest.ErrPublishFailed):
		publishFailureTotal.Add(1)
		logger.Error("publish failed", "event_id", nostr.ShortID(evt.ID), "error", err)
		util.RespondInternalError(w, "failed to publish event")
	default:
		util.RespondBadRequest(w, err.Error())
	}
}

// streamHandler: GET /stream?filter=<json>
func (s *server) streamHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("filter")
	if raw == "" {
		util.RespondBadRequest(w, "filter is required")
		return
	}
	var filter gonostr.Filter
	if err := json.Unmarshal([]byte(raw), &filter); err != nil {
		util.RespondBadRequest(w, "filter must be a JSON object")
		return
	}

	eng, err := s.engines.Get(r.Context())
	if err != nil {
		util.RespondServiceUnavailable(w, "relay engine not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		util.RespondInternalError(w, "streaming not supported")
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sseConnectionsActive.Add(1)
	defer sseConnectionsActive.Add(-1)

	logger := LoggerFromContext(r.Context())
	bridge := stream.NewBridge(eng, s.cfg.Stream, logger)
	err = bridge.Run(r.Context(), filter, newSSESink(w, flusher))
	logger.Debug("stream ended", "reason", err)
}

// searchHandler: GET /search?q=&limit=
func (s *server) searchHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		util.RespondBadRequest(w, "q is required")
		return
	}
	limit := util.ParseLimit(r.URL.Query().Get("limit"), searchDefaultLimit, searchMaxLimit)

	eng, err := s.engines.Get(r.Context())
	if err != nil {
		util.WriteJSON(w, http.StatusOK, searchResponse{Results: []types.Event{}, Source: sourceFallback})
		return
	}
	results, err := eng.Search(r.Context(), q, limit)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("search failed", "error", err)
		util.WriteJSON(w, http.StatusOK, searchResponse{Results: []types.Event{}, Source: sourceFallback})
		return
	}
	util.WriteJSON(w, http.StatusOK, searchResponse{
		Results: util.OrEmpty(util.LimitSlice(results, limit)),
		Source:  sourceEngine,
	})
}

// followsHandler: GET /social/follows?pubkey=<hex|npub>
func (s *server) followsHandler(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := parsePubkey(r.URL.Query().Get("pubkey"))
	if !ok {
		util.RespondBadRequest(w, "pubkey must be 64 hex characters or an npub")
		return
	}

	fallback := followsResponse{Follows: []string{}, Source: sourceFallback}
	eng, err := s.engines.Get(r.Context())
	if err != nil {
		util.WriteJSON(w, http.StatusOK, fallback)
		return
	}
	follows, err := eng.FetchFollowList(r.Context(), pubkey)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("follow list failed", "pubkey", nostr.ShortID(pubkey), "error", err)
		util.WriteJSON(w, http.StatusOK, fallback)
		return
	}
	util.WriteJSON(w, http.StatusOK, followsResponse{Follows: util.OrEmpty(follows), Source: sourceEngine})
}

// feedHandler: GET /feed?pubkey=&limit=&geohash=&exclude=id,id
func (s *server) feedHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewer := feed.Viewer{Geohash: strings.ToLower(strings.TrimSpace(q.Get("geohash")))}
	if raw := q.Get("pubkey"); raw != "" {
		pk, ok := parsePubkey(raw)
		if !ok {
			util.RespondBadRequest(w, "pubkey must be 64 hex characters or an npub")
			return
		}
		viewer.Pubkey = pk
	}
	if raw := q.Get("exclude"); raw != "" {
		viewer.NotInterested = util.FilterSlice(strings.Split(raw, ","), nostr.IsHex64)
	}
	limit := util.ParseLimit(q.Get("limit"), s.cfg.Feed.DefaultLimit, s.cfg.Feed.MaxLimit)

	feedRequestsTotal.Add(1)
	res, err := s.pipeline.GetFeed(r.Context(), viewer, limit)
	if err != nil {
		if errors.Is(err, feed.ErrFeedUnavailable) {
			util.RespondServiceUnavailable(w, "feed unavailable")
			return
		}
		LoggerFromContext(r.Context()).Error("feed failed", "error", err)
		util.RespondInternalError(w, "failed to build feed")
		return
	}
	if strings.HasSuffix(res.Source, "+recency") {
		feedFallbackTotal.Add(1)
	}
	res.Posts = util.OrEmpty(res.Posts)
	res.Degraded = util.OrEmpty(res.Degraded)
	util.WriteJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status   string `json:"status"`
	Engine   bool   `json:"engine"`
	Buffered int    `json:"buffered"`
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Engine:   s.engines.Available(),
		Buffered: s.ingestor.Buffer().Size(),
	})
}
