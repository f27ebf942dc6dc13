// Package feed assembles the recommended feed: candidates, social graph,
// engagement and profiles, handed to the ranker.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"nurunuru-server/internal/engagement"
	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/graph"
	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/ranking"
	"nurunuru-server/internal/types"
)

// ErrFeedUnavailable means no candidate tier produced events
var ErrFeedUnavailable = errors.New("feed unavailable")

// Candidate tiers, reported in Result.Source
const (
	SourceRelay = "relay"
	SourceLocal = "local"

	recencySuffix = "+recency"
)

// Options bound the work done per request
type Options struct {
	Window            time.Duration     `yaml:"window"`
	NoteLimit         int               `yaml:"note_limit"`
	RepostLimit       int               `yaml:"repost_limit"`
	EngagementPrefix  int               `yaml:"engagement_prefix"`
	SampleWidth       int               `yaml:"sample_width"`
	SecondDegreeCap   int               `yaml:"second_degree_cap"`
	WidenAuthors      int               `yaml:"widen_authors"`
	WidenNoteLimit    int               `yaml:"widen_note_limit"`
	FollowerLimit     int               `yaml:"follower_limit"`
	DefaultLimit      int               `yaml:"default_limit"`
	MaxLimit          int               `yaml:"max_limit"`
	Concurrency       int               `yaml:"concurrency"`
	EngagementTimeout time.Duration     `yaml:"engagement_timeout"`
	EngagementLimits  engagement.Limits `yaml:"engagement_limits"`
}

// DefaultOptions returns the standard bounds: a 3h window of 150 notes and 50
// reposts, engagement for the first 100 candidates
func DefaultOptions() Options {
	return Options{
		Window:            3 * time.Hour,
		NoteLimit:         150,
		RepostLimit:       50,
		EngagementPrefix:  100,
		SampleWidth:       20,
		SecondDegreeCap:   200,
		WidenAuthors:      100,
		WidenNoteLimit:    100,
		FollowerLimit:     500,
		DefaultLimit:      50,
		MaxLimit:          100,
		Concurrency:       8,
		EngagementTimeout: 10 * time.Second,
		EngagementLimits:  engagement.DefaultLimits(),
	}
}

// Viewer identifies who the feed is for. All fields are optional.
type Viewer struct {
	Pubkey          string
	Geohash         string
	NotInterested   []string
	AuthorModifiers map[string]float64
}

// Result is a feed plus which tier answered and which enrichments failed
type Result struct {
	Posts    []types.ScoredPost `json:"posts"`
	Source   string             `json:"source"`
	Degraded []string           `json:"degraded"`
}

// Pipeline builds feeds. It holds no per-request state.
type Pipeline struct {
	engines *engine.Provider
	ranker  *ranking.Ranker
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a pipeline
func New(engines *engine.Provider, ranker *ranking.Ranker, opts Options) *Pipeline {
	return &Pipeline{
		engines: engines,
		ranker:  ranker,
		opts:    opts,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// degradation collects the names of enrichment stages that failed
type degradation struct {
	mu     sync.Mutex
	stages []string
}

func (d *degradation) add(stage string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.stages {
		if s == stage {
			return
		}
	}
	d.stages = append(d.stages, stage)
}

func (d *degradation) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string{}, d.stages...)
	sort.Strings(out)
	return out
}

// GetFeed returns up to limit ranked posts for viewer. Only a failure of every
// candidate tier is an error; every other stage degrades to an empty
// contribution and is listed in Result.Degraded.
func (p *Pipeline) GetFeed(ctx context.Context, viewer Viewer, limit int) (Result, error) {
	if limit <= 0 {
		limit = p.opts.DefaultLimit
	}
	if p.opts.MaxLimit > 0 && limit > p.opts.MaxLimit {
		limit = p.opts.MaxLimit
	}

	eng, err := p.engines.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	now := p.now()
	since := gonostr.Timestamp(now.Add(-p.opts.Window).Unix())
	deg := &degradation{}

	// 1. Candidates
	notes, reposts, source, err := p.candidates(ctx, eng, since, deg)
	if err != nil {
		return Result{}, err
	}

	// 2. Unwrap reposts
	candidates, repostedBy := mergeCandidates(notes, reposts)

	// 3. Social graph and mutes
	social := p.socialContext(ctx, eng, viewer, deg)
	if len(social.second) > 0 || len(social.first) > 0 {
		widened := p.widen(ctx, eng, social, since, deg)
		candidates = appendUnique(candidates, widened)
	}

	// 4 and 5. Engagement for a bounded prefix, profiles for every author
	var (
		counts   map[string]types.EngagementCounts
		profiles map[string]*types.ProfileInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prefix := candidates
		if len(prefix) > p.opts.EngagementPrefix {
			prefix = prefix[:p.opts.EngagementPrefix]
		}
		ids := make([]string, len(prefix))
		for i, evt := range prefix {
			ids[i] = evt.ID
		}
		agg := engagement.NewAggregator(eng, p.opts.EngagementLimits, p.opts.EngagementTimeout)
		counts = agg.Aggregate(gctx, ids, viewer.Pubkey)
		return nil
	})
	g.Go(func() error {
		profiles = p.profiles(gctx, eng, candidates, deg)
		return nil
	})
	_ = g.Wait()

	// 6. Rank, falling back to recency order
	rctx := ranking.Context{
		FirstDegree:     ranking.SetOf(social.first),
		SecondDegree:    ranking.SetOf(social.second),
		Followers:       ranking.SetOf(social.followers),
		Mutes:           social.mutes,
		NotInterested:   ranking.SetOf(viewer.NotInterested),
		Engagement:      counts,
		Profiles:        profiles,
		AuthorModifiers: viewer.AuthorModifiers,
		ViewerGeohash:   viewer.Geohash,
		Now:             now,
	}
	posts := p.ranker.Rank(candidates, rctx, limit)
	if len(posts) == 0 && len(candidates) > 0 {
		if fallback := ranking.RankByRecency(candidates, rctx, limit); len(fallback) > 0 {
			p.logger.Debug("feed: ranking empty, using recency order", "candidates", len(candidates))
			posts = fallback
			source += recencySuffix
		}
	}

	attachContext(posts, candidates, repostedBy)

	return Result{Posts: posts, Source: source, Degraded: deg.list()}, nil
}

// candidates tries each tier in order: relays, then the local cache.
// A tier answers when at least one of its two queries succeeds with events.
func (p *Pipeline) candidates(ctx context.Context, eng engine.Engine, since gonostr.Timestamp, deg *degradation) ([]types.Event, []types.Event, string, error) {
	noteFilter := gonostr.Filter{Kinds: []int{types.KindTextNote}, Since: &since, Limit: p.opts.NoteLimit}
	repostFilter := gonostr.Filter{Kinds: []int{types.KindRepost}, Since: &since, Limit: p.opts.RepostLimit}

	tiers := []struct {
		name  string
		query func(context.Context, gonostr.Filter) ([]types.Event, error)
	}{
		{SourceRelay, eng.FetchEvents},
		{SourceLocal, eng.QueryLocal},
	}

	var errs []error
	answered := ""
	for _, tier := range tiers {
		var notes, reposts []types.Event
		var noteErr, repostErr error
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			notes, noteErr = tier.query(gctx, noteFilter)
			return nil
		})
		g.Go(func() error {
			reposts, repostErr = tier.query(gctx, repostFilter)
			return nil
		})
		_ = g.Wait()

		if noteErr != nil && repostErr != nil {
			p.logger.Warn("feed: candidate tier failed", "tier", tier.name, "error", noteErr)
			errs = append(errs, fmt.Errorf("%s: %w", tier.name, noteErr))
			continue
		}
		if noteErr != nil {
			deg.add("notes")
		}
		if repostErr != nil {
			deg.add("reposts")
		}
		if len(notes)+len(reposts) > 0 {
			return notes, reposts, tier.name, nil
		}
		if answered == "" {
			answered = tier.name
		}
	}

	if answered != "" {
		return nil, nil, answered, nil
	}
	return nil, nil, "", fmt.Errorf("%w: %w", ErrFeedUnavailable, errors.Join(errs...))
}

// mergeCandidates unwraps reposts into their originals and merges them after
// the native notes, first occurrence winning. Reposts whose embedded event
// does not validate are dropped.
func mergeCandidates(notes, reposts []types.Event) ([]types.Event, map[string]string) {
	repostedBy := make(map[string]string)
	var unwrapped []types.Event
	for _, r := range reposts {
		inner, ok := nostr.UnwrapRepost(r)
		if !ok || inner.Kind != types.KindTextNote {
			continue
		}
		if _, ok := repostedBy[inner.ID]; !ok {
			repostedBy[inner.ID] = r.PubKey
		}
		unwrapped = append(unwrapped, inner)
	}
	merged := appendUnique(nil, notes)
	merged = appendUnique(merged, unwrapped)
	return merged, repostedBy
}

func appendUnique(dst, src []types.Event) []types.Event {
	seen := make(map[string]bool, len(dst)+len(src))
	for _, evt := range dst {
		seen[evt.ID] = true
	}
	for _, evt := range src {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		dst = append(dst, evt)
	}
	return dst
}

type socialContext struct {
	first     []string
	second    []string
	followers []string
	mutes     types.MuteSet
}

// socialContext loads follows (and their expansion), followers and mutes
// concurrently
func (p *Pipeline) socialContext(ctx context.Context, eng engine.Engine, viewer Viewer, deg *degradation) socialContext {
	sc := socialContext{mutes: types.NewMuteSet()}
	if viewer.Pubkey == "" {
		return sc
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		follows, err := eng.FetchFollowList(gctx, viewer.Pubkey)
		if err != nil {
			p.logger.Debug("feed: follow list failed", "viewer", nostr.ShortID(viewer.Pubkey), "error", err)
			deg.add("follows")
			return nil
		}
		sc.first = follows
		if len(follows) == 0 {
			return nil
		}
		second := graph.NewExpander(eng, p.opts.Concurrency).
			ExpandSecondDegree(gctx, follows, p.opts.SampleWidth, p.opts.SecondDegreeCap)
		for _, pk := range second {
			if pk != viewer.Pubkey {
				sc.second = append(sc.second, pk)
			}
		}
		return nil
	})
	g.Go(func() error {
		sc.mutes = p.mutes(gctx, eng, viewer.Pubkey, deg)
		return nil
	})
	g.Go(func() error {
		filter := gonostr.Filter{
			Kinds: []int{types.KindContactList},
			Tags:  gonostr.TagMap{"p": {viewer.Pubkey}},
			Limit: p.opts.FollowerLimit,
		}
		lists, err := eng.FetchEvents(gctx, filter)
		if err != nil {
			deg.add("followers")
			return nil
		}
		for _, l := range lists {
			sc.followers = append(sc.followers, l.PubKey)
		}
		return nil
	})
	_ = g.Wait()
	return sc
}

// mutes merges the engine's muted pubkeys with the full kind-10000 list,
// which the engine's lookup leaves in its local cache
func (p *Pipeline) mutes(ctx context.Context, eng engine.Engine, viewer string, deg *degradation) types.MuteSet {
	pubkeys, err := eng.FetchMuteList(ctx, viewer)
	if err != nil {
		p.logger.Debug("feed: mute list failed", "viewer", nostr.ShortID(viewer), "error", err)
		deg.add("mutes")
	}

	var list *types.Event
	local, err := eng.QueryLocal(ctx, gonostr.Filter{Kinds: []int{types.KindMuteList}, Authors: []string{viewer}, Limit: 1})
	if err == nil && len(local) > 0 {
		list = &local[0]
	}
	return ranking.ParseMuteList(list, pubkeys)
}

// widen fetches recent notes from followed and second-degree authors
func (p *Pipeline) widen(ctx context.Context, eng engine.Engine, sc socialContext, since gonostr.Timestamp, deg *degradation) []types.Event {
	authors := make([]string, 0, p.opts.WidenAuthors)
	for _, list := range [][]string{sc.first, sc.second} {
		for _, pk := range list {
			if len(authors) >= p.opts.WidenAuthors {
				break
			}
			authors = append(authors, pk)
		}
	}
	if len(authors) == 0 {
		return nil
	}

	filter := gonostr.Filter{Kinds: []int{types.KindTextNote}, Authors: authors, Since: &since, Limit: p.opts.WidenNoteLimit}
	events, err := eng.FetchEvents(ctx, filter)
	if err != nil {
		events, err = eng.QueryLocal(ctx, filter)
	}
	if err != nil {
		p.logger.Debug("feed: widening failed", "authors", len(authors), "error", err)
		deg.add("second_degree")
		return nil
	}
	return events
}

// profiles looks authors up locally first and asks relays for the rest
func (p *Pipeline) profiles(ctx context.Context, eng engine.Engine, candidates []types.Event, deg *degradation) map[string]*types.ProfileInfo {
	var authors []string
	seen := make(map[string]bool)
	for _, evt := range candidates {
		if !seen[evt.PubKey] {
			seen[evt.PubKey] = true
			authors = append(authors, evt.PubKey)
		}
	}
	if len(authors) == 0 {
		return map[string]*types.ProfileInfo{}
	}

	var events []types.Event
	local, err := eng.QueryLocal(ctx, gonostr.Filter{Kinds: []int{types.KindMetadata}, Authors: authors})
	if err == nil {
		events = local
	}
	found := nostr.LatestProfiles(events)

	var missing []string
	for _, pk := range authors {
		if found[pk] == nil {
			missing = append(missing, pk)
		}
	}
	if len(missing) > 0 {
		remote, err := eng.FetchEvents(ctx, gonostr.Filter{Kinds: []int{types.KindMetadata}, Authors: missing, Limit: len(missing)})
		if err != nil {
			p.logger.Debug("feed: profile fetch failed", "missing", len(missing), "error", err)
			deg.add("profiles")
		}
		for pk, prof := range nostr.LatestProfiles(remote) {
			if found[pk] == nil {
				found[pk] = prof
			}
		}
	}
	return found
}

// attachContext fills RepostedBy and QuotedPost from data already in hand
func attachContext(posts []types.ScoredPost, candidates []types.Event, repostedBy map[string]string) {
	byID := make(map[string]types.Event, len(candidates))
	for _, evt := range candidates {
		byID[evt.ID] = evt
	}
	for i := range posts {
		posts[i].RepostedBy = repostedBy[posts[i].Event.ID]
		if q, ok := nostr.FirstTagValue(posts[i].Event, "q"); ok {
			if quoted, ok := byID[q]; ok && quoted.ID != posts[i].Event.ID {
				posts[i].QuotedPost = &quoted
			}
		}
	}
}
