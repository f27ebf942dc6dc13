package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var serverStartTime = time.Now()

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
	rateLimitedTotal  atomic.Int64
)

// Ingest and publish metrics
var (
	ingestAcceptedTotal  atomic.Int64
	ingestDuplicateTotal atomic.Int64
	ingestInvalidTotal   atomic.Int64
	publishSuccessTotal  atomic.Int64
	publishFailureTotal  atomic.Int64
)

// Feed metrics
var (
	feedRequestsTotal atomic.Int64
	feedFallbackTotal atomic.Int64
)

// SSE connection metrics
var (
	sseConnectionsActive atomic.Int64
)

func writeMetric(w http.ResponseWriter, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n\n", name, value)
}

// metricsHandler serves Prometheus-compatible metrics
func (s *server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP nurunuru_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE nurunuru_build_info gauge\n")
	fmt.Fprintf(w, "nurunuru_build_info{cache_backend=%q,go_version=%q,version=%q} 1\n\n",
		s.cfg.Cache.Backend, runtime.Version(), version)

	writeMetric(w, "process_start_time_seconds", "gauge", "Unix timestamp of process start", serverStartTime.Unix())
	writeMetric(w, "process_uptime_seconds", "gauge", "Time since process started", int64(time.Since(serverStartTime).Seconds()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	writeMetric(w, "go_goroutines", "gauge", "Number of active goroutines", runtime.NumGoroutine())
	writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Currently allocated memory in bytes", memStats.Alloc)
	writeMetric(w, "go_gc_cycles_total", "counter", "Number of completed GC cycles", memStats.NumGC)

	writeMetric(w, "http_requests_total", "counter", "Total number of HTTP requests", httpRequestsTotal.Load())
	writeMetric(w, "http_errors_total", "counter", "Total number of HTTP 5xx errors", httpErrorsTotal.Load())
	writeMetric(w, "http_rate_limited_total", "counter", "Requests rejected by the rate limiter", rateLimitedTotal.Load())

	buf := s.ingestor.Buffer()
	writeMetric(w, "nurunuru_buffer_events", "gauge", "Events waiting in the ingest buffer", buf.Size())
	writeMetric(w, "nurunuru_buffer_capacity", "gauge", "Ingest buffer capacity", buf.Capacity())
	writeMetric(w, "nurunuru_buffer_evictions_total", "counter", "Events evicted from a full buffer", buf.Evicted())

	writeMetric(w, "nurunuru_ingest_accepted_total", "counter", "Events accepted by /ingest", ingestAcceptedTotal.Load())
	writeMetric(w, "nurunuru_ingest_duplicate_total", "counter", "Duplicate events seen by /ingest", ingestDuplicateTotal.Load())
	writeMetric(w, "nurunuru_ingest_invalid_total", "counter", "Invalid events rejected by /ingest", ingestInvalidTotal.Load())
	writeMetric(w, "nurunuru_publish_success_total", "counter", "Events accepted by at least one relay", publishSuccessTotal.Load())
	writeMetric(w, "nurunuru_publish_failure_total", "counter", "Events no relay accepted", publishFailureTotal.Load())

	writeMetric(w, "nurunuru_feed_requests_total", "counter", "Feed requests", feedRequestsTotal.Load())
	writeMetric(w, "nurunuru_feed_recency_fallback_total", "counter", "Feeds served in plain recency order", feedFallbackTotal.Load())
	writeMetric(w, "sse_connections_active", "gauge", "Number of active SSE connections", sseConnectionsActive.Load())

	engineUp := 0
	if s.engines.Available() {
		engineUp = 1
	}
	writeMetric(w, "nurunuru_engine_available", "gauge", "Whether the relay engine is running", engineUp)
	if engineUp == 0 {
		return
	}

	// Only report relays for an engine that already exists; scraping must
	// not trigger construction
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	eng, err := s.engines.Get(ctx)
	if err != nil {
		return
	}
	statuses, err := eng.RelayList(ctx)
	if err != nil || len(statuses) == 0 {
		return
	}

	connected, healthy := 0, 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
		if st.Healthy {
			healthy++
		}
	}
	writeMetric(w, "nostr_relay_connections_active", "gauge", "Number of connected relays", connected)
	writeMetric(w, "nostr_relays_healthy", "gauge", "Number of healthy relays", healthy)

	fmt.Fprintf(w, "# HELP nostr_relay_healthy Whether relay is healthy (1) or not (0)\n")
	fmt.Fprintf(w, "# TYPE nostr_relay_healthy gauge\n")
	for _, st := range statuses {
		val := 0
		if st.Healthy {
			val = 1
		}
		fmt.Fprintf(w, "nostr_relay_healthy{relay=%q} %d\n", st.URL, val)
	}
	fmt.Fprintf(w, "\n")
}
