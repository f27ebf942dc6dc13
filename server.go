package main

import (
	"context"
	"log/slog"
	"net/http"

	"nurunuru-server/internal/buffer"
	"nurunuru-server/internal/config"
	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/feed"
	"nurunuru-server/internal/ingest"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/ranking"
)

// server holds everything a request handler needs. The engine is reached only
// through the provider so handlers degrade when it is down.
type server struct {
	cfg       *config.Config
	engines   *engine.Provider
	ingestor  *ingest.Ingestor
	publisher *ingest.Publisher
	pipeline  *feed.Pipeline
	limiter   *ipLimiter
	validate  nostr.ValidateOptions
}

func newServer(cfg *config.Config, engines *engine.Provider) *server {
	validate := nostr.ValidateOptions{VerifySignature: cfg.Validation.VerifySignatures}
	return &server{
		cfg:       cfg,
		engines:   engines,
		ingestor:  ingest.NewIngestor(buffer.New(cfg.Buffer.Capacity), engines, validate),
		publisher: ingest.NewPublisher(engines, cfg.Server.RosterTimeout),
		pipeline:  feed.New(engines, ranking.New(cfg.Ranking), cfg.Feed),
		limiter:   newIPLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		validate:  validate,
	}
}

// limitBody caps the request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	maxBody := s.cfg.Server.MaxBodyBytes

	mux.HandleFunc("POST /ingest", s.limiter.middleware(limitBody(s.ingestHandler, maxBody)))
	mux.HandleFunc("POST /ingest/flush", s.flushHandler)
	mux.HandleFunc("POST /publish", s.limiter.middleware(limitBody(s.publishHandler, maxBody)))
	mux.HandleFunc("GET /stream", s.streamHandler)
	mux.HandleFunc("GET /search", s.searchHandler)
	mux.HandleFunc("GET /social/follows", s.followsHandler)
	mux.HandleFunc("GET /feed", s.feedHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)

	return RequestLoggingMiddleware(mux)
}

// flushOnShutdown stores whatever is still buffered, if an engine is up
func (s *server) flushOnShutdown(ctx context.Context) {
	if !s.engines.Available() || s.ingestor.Buffer().Size() == 0 {
		return
	}
	res, err := s.ingestor.Flush(ctx)
	if err != nil {
		slog.Warn("shutdown flush failed", "error", err)
		return
	}
	slog.Info("flushed buffer on shutdown", "flushed", res.Flushed, "failed", res.Failed)
}
