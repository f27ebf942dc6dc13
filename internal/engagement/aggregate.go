// Package engagement folds reactions, reposts, replies, quotes and zaps into
// per-event counts.
package engagement

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// Fetcher runs one relay query
type Fetcher interface {
	FetchEvents(ctx context.Context, filter gonostr.Filter) ([]types.Event, error)
}

// Limits caps how many events each query may return
type Limits struct {
	Reactions int `yaml:"reactions"`
	Reposts   int `yaml:"reposts"`
	Replies   int `yaml:"replies"`
	Quotes    int `yaml:"quotes"`
	Zaps      int `yaml:"zaps"`
}

// DefaultLimits returns the per-query caps
func DefaultLimits() Limits {
	return Limits{Reactions: 1000, Reposts: 500, Replies: 500, Quotes: 200, Zaps: 500}
}

// Aggregator collects engagement for batches of events
type Aggregator struct {
	fetcher Fetcher
	limits  Limits
	timeout time.Duration
	logger  *slog.Logger
}

// NewAggregator creates an aggregator; timeout bounds the whole batch
func NewAggregator(fetcher Fetcher, limits Limits, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aggregator{fetcher: fetcher, limits: limits, timeout: timeout, logger: slog.Default()}
}

// Aggregate returns counts for every id in ids. Each kind class is one query;
// they run concurrently and a failed query simply contributes zeros.
// viewer may be empty; when set, LikedByViewer and RepostedByViewer are filled.
func (a *Aggregator) Aggregate(ctx context.Context, ids []string, viewer string) map[string]types.EngagementCounts {
	counts := make(map[string]*types.EngagementCounts, len(ids))
	for _, id := range ids {
		counts[id] = &types.EngagementCounts{}
	}
	if len(ids) == 0 {
		return map[string]types.EngagementCounts{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var reactions, reposts, replies, quotes, zaps []types.Event
	g, gctx := errgroup.WithContext(ctx)
	query := func(name string, dst *[]types.Event, filter gonostr.Filter) {
		g.Go(func() error {
			events, err := a.fetcher.FetchEvents(gctx, filter)
			if err != nil {
				a.logger.Debug("engagement: query failed", "class", name, "error", err)
				return nil
			}
			*dst = events
			return nil
		})
	}
	byE := gonostr.TagMap{"e": ids}
	query("reactions", &reactions, gonostr.Filter{Kinds: []int{types.KindReaction}, Tags: byE, Limit: a.limits.Reactions})
	query("reposts", &reposts, gonostr.Filter{Kinds: []int{types.KindRepost}, Tags: byE, Limit: a.limits.Reposts})
	query("replies", &replies, gonostr.Filter{Kinds: []int{types.KindTextNote}, Tags: byE, Limit: a.limits.Replies})
	query("quotes", &quotes, gonostr.Filter{Kinds: []int{types.KindTextNote}, Tags: gonostr.TagMap{"q": ids}, Limit: a.limits.Quotes})
	query("zaps", &zaps, gonostr.Filter{Kinds: []int{types.KindZapReceipt}, Tags: byE, Limit: a.limits.Zaps})
	_ = g.Wait()

	// Relays may return the same event for several queries; count each once per class
	seen := make(map[string]bool)
	once := func(class string, evt types.Event) bool {
		key := class + evt.ID
		if seen[key] {
			return false
		}
		seen[key] = true
		return true
	}

	for _, evt := range reactions {
		target, ok := nostr.LastTagValue(evt, "e")
		c := counts[target]
		if !ok || c == nil || !once("r", evt) || !IsLike(evt) {
			continue
		}
		c.Likes++
		if viewer != "" && evt.PubKey == viewer {
			c.LikedByViewer = true
		}
	}

	for _, evt := range reposts {
		target, ok := nostr.LastTagValue(evt, "e")
		c := counts[target]
		if !ok || c == nil || !once("p", evt) {
			continue
		}
		c.Reposts++
		if viewer != "" && evt.PubKey == viewer {
			c.RepostedByViewer = true
		}
	}

	for _, evt := range replies {
		target, ok := ReplyTarget(evt)
		c := counts[target]
		if !ok || c == nil || !once("c", evt) {
			continue
		}
		c.Replies++
	}

	for _, evt := range quotes {
		if !once("q", evt) {
			continue
		}
		for _, target := range nostr.TagValues(evt, "q") {
			if c := counts[target]; c != nil {
				c.Quotes++
			}
		}
	}

	for _, evt := range zaps {
		target, ok := nostr.LastTagValue(evt, "e")
		c := counts[target]
		if !ok || c == nil || !once("z", evt) {
			continue
		}
		c.ZapCount++
		c.ZapSats += ZapSats(evt)
	}

	out := make(map[string]types.EngagementCounts, len(counts))
	for id, c := range counts {
		out[id] = *c
	}
	return out
}

// IsLike reports whether a reaction is positive. "-" is a dislike (NIP-25);
// anything else, including emoji, counts as a like.
func IsLike(reaction types.Event) bool {
	return reaction.Content != "-"
}

// ReplyTarget returns the event a kind-1 note replies to: the "e" tag marked
// "reply", else the last "e" tag
func ReplyTarget(evt types.Event) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 4 && tag[0] == "e" && tag[3] == "reply" {
			return tag[1], true
		}
	}
	return nostr.LastTagValue(evt, "e")
}

// ZapSats returns the amount of a zap receipt in sats, read from the "amount"
// tag (millisats) of the zap request embedded in its "description" tag.
// Receipts without a readable amount count as zero.
func ZapSats(receipt types.Event) int64 {
	desc, ok := nostr.FirstTagValue(receipt, "description")
	if !ok {
		return 0
	}
	var request struct {
		Tags [][]string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(desc), &request); err != nil {
		return 0
	}
	for _, tag := range request.Tags {
		if len(tag) < 2 || tag[0] != "amount" {
			continue
		}
		msats, err := strconv.ParseInt(tag[1], 10, 64)
		if err != nil || msats < 0 {
			return 0
		}
		return msats / 1000
	}
	return 0
}
