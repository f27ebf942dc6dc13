package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Health tracks per-relay failures and response times so unhealthy relays are
// skipped for a backoff period instead of being dialed on every request.
type Health struct {
	mu    sync.Mutex
	stats map[string]*relayStats
	now   func() time.Time
}

type relayStats struct {
	avgResponse   time.Duration
	responseCount int
	failureCount  int
	backoffUntil  time.Time
}

// NewHealth creates an empty health tracker
func NewHealth() *Health {
	return &Health{
		stats: make(map[string]*relayStats),
		now:   time.Now,
	}
}

func (h *Health) get(relayURL string) *relayStats {
	s := h.stats[relayURL]
	if s == nil {
		s = &relayStats{}
		h.stats[relayURL] = s
	}
	return s
}

// ShouldSkip reports whether the relay is inside its failure backoff window
func (h *Health) ShouldSkip(relayURL string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats[relayURL]
	return s != nil && h.now().Before(s.backoffUntil)
}

// RecordFailure bumps the failure count and extends the backoff
func (h *Health) RecordFailure(relayURL string) {
	h.mu.Lock()
	s := h.get(relayURL)
	s.failureCount++

	var backoff time.Duration
	switch {
	case s.failureCount <= 1:
		backoff = 30 * time.Second
	case s.failureCount == 2:
		backoff = 60 * time.Second
	case s.failureCount == 3:
		backoff = 2 * time.Minute
	default:
		backoff = 5 * time.Minute
	}
	s.backoffUntil = h.now().Add(backoff)
	count := s.failureCount
	h.mu.Unlock()

	slog.Warn("relay connection failed", "relay", relayURL, "failure_count", count, "backoff", backoff)
}

// RecordSuccess clears the failure state
func (h *Health) RecordSuccess(relayURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(relayURL)
	s.failureCount = 0
	s.backoffUntil = time.Time{}
}

// RecordResponseTime folds a response time into an exponential moving average (alpha=0.3)
func (h *Health) RecordResponseTime(relayURL string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(relayURL)
	if s.responseCount == 0 {
		s.avgResponse = d
	} else {
		s.avgResponse = time.Duration(0.3*float64(d) + 0.7*float64(s.avgResponse))
	}
	s.responseCount++
}

// Healthy reports whether the relay is usable right now
func (h *Health) Healthy(relayURL string) bool {
	return !h.ShouldSkip(relayURL)
}

// SortByScore orders relays fastest and healthiest first; skipped relays go last
func (h *Health) SortByScore(relays []string) []string {
	h.mu.Lock()
	now := h.now()
	score := make(map[string]int, len(relays))
	for _, r := range relays {
		sc := 50
		if s := h.stats[r]; s != nil {
			if s.responseCount > 0 {
				switch {
				case s.avgResponse < 300*time.Millisecond:
					sc += 30
				case s.avgResponse < time.Second:
					sc += 15
				default:
					sc -= 10
				}
			}
			sc -= 10 * s.failureCount
			if now.Before(s.backoffUntil) {
				sc -= 1000
			}
		}
		score[r] = sc
	}
	h.mu.Unlock()

	sorted := make([]string, len(relays))
	copy(sorted, relays)
	sort.SliceStable(sorted, func(i, j int) bool {
		return score[sorted[i]] > score[sorted[j]]
	})
	return sorted
}
