// Package graph widens a viewer's follow set to friends-of-friends.
package graph

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"nurunuru-server/internal/nostr"
)

// FollowFetcher returns the pubkeys a pubkey follows
type FollowFetcher interface {
	FetchFollowList(ctx context.Context, pubkey string) ([]string, error)
}

// Expander computes bounded second-degree follow sets
type Expander struct {
	fetcher     FollowFetcher
	concurrency int
	logger      *slog.Logger
}

// NewExpander creates an expander that runs at most concurrency follow-list
// fetches at once
func NewExpander(fetcher FollowFetcher, concurrency int) *Expander {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Expander{fetcher: fetcher, concurrency: concurrency, logger: slog.Default()}
}

// ExpandSecondDegree samples the first sampleWidth members of firstDegree in
// input order, fetches their follow lists and returns the union in sample
// order, excluding firstDegree members, truncated to resultCap.
// A failed fetch contributes nothing; the result may therefore be incomplete.
func (x *Expander) ExpandSecondDegree(ctx context.Context, firstDegree []string, sampleWidth, resultCap int) []string {
	if len(firstDegree) == 0 || sampleWidth <= 0 || resultCap <= 0 {
		return []string{}
	}
	sample := firstDegree
	if len(sample) > sampleWidth {
		sample = sample[:sampleWidth]
	}

	lists := make([][]string, len(sample))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for i, pk := range sample {
		g.Go(func() error {
			follows, err := x.fetcher.FetchFollowList(gctx, pk)
			if err != nil {
				x.logger.Debug("graph: follow list fetch failed", "pubkey", nostr.ShortID(pk), "error", err)
				return nil
			}
			lists[i] = follows
			return nil
		})
	}
	_ = g.Wait()

	followsOf := make(map[string][]string, len(sample))
	for i, pk := range sample {
		followsOf[pk] = lists[i]
	}
	out := ExtractSecondDegree(sample, followsOf, firstDegree)
	if len(out) > resultCap {
		out = out[:resultCap]
	}
	return out
}

// ExtractSecondDegree returns pubkeys followed by members of order (visited in
// order) that are not in exclude, without duplicates
func ExtractSecondDegree(order []string, followsOf map[string][]string, exclude []string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, pk := range exclude {
		skip[pk] = true
	}

	out := []string{}
	seen := make(map[string]bool)
	for _, member := range order {
		for _, pk := range followsOf[member] {
			if pk == "" || skip[pk] || seen[pk] {
				continue
			}
			seen[pk] = true
			out = append(out, pk)
		}
	}
	return out
}
