// Package ranking scores and orders feed candidates. It performs no I/O.
package ranking

import (
	"math"
	"sort"
	"time"

	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// Context is everything known about the viewer and the candidates.
// Nil maps are treated as empty.
type Context struct {
	FirstDegree     map[string]bool
	SecondDegree    map[string]bool
	Followers       map[string]bool // pubkeys following the viewer
	Mutes           types.MuteSet
	NotInterested   map[string]bool // event ids
	Engagement      map[string]types.EngagementCounts
	Profiles        map[string]*types.ProfileInfo
	AuthorModifiers map[string]float64
	ViewerGeohash   string
	Now             time.Time
}

// SetOf builds a lookup set
func SetOf(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Ranker scores candidates with a fixed Config
type Ranker struct {
	cfg Config
}

// New creates a ranker
func New(cfg Config) *Ranker {
	return &Ranker{cfg: cfg}
}

// Rank filters, scores and orders candidates, returning at most limit posts
// (limit <= 0 means all). The first occurrence of an id wins.
// Output order is score desc, created_at desc, id asc.
func (r *Ranker) Rank(candidates []types.Event, ctx Context, limit int) []types.ScoredPost {
	posts := make([]types.ScoredPost, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, evt := range candidates {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		if ctx.NotInterested[evt.ID] || Muted(evt, ctx.Mutes) {
			continue
		}
		posts = append(posts, view(evt, ctx, r.Score(evt, ctx)))
	}
	return order(posts, limit)
}

func order(posts []types.ScoredPost, limit int) []types.ScoredPost {
	sort.SliceStable(posts, func(i, j int) bool {
		return less(posts[i], posts[j])
	})
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts
}

func less(a, b types.ScoredPost) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Event.CreatedAt != b.Event.CreatedAt {
		return a.Event.CreatedAt > b.Event.CreatedAt
	}
	return a.Event.ID < b.Event.ID
}

func view(evt types.Event, ctx Context, score float64) types.ScoredPost {
	eng := ctx.Engagement[evt.ID]
	return types.ScoredPost{
		Event:       evt,
		Score:       score,
		Profile:     ctx.Profiles[evt.PubKey],
		LikeCount:   eng.Likes,
		ZapAmount:   eng.ZapSats,
		RepostCount: eng.Reposts,
		ReplyCount:  eng.Replies,
		IsLiked:     eng.LikedByViewer,
		IsReposted:  eng.RepostedByViewer,
	}
}

// Score is the sum of the affinity, engagement, recency, locality, author
// quality and author modifier terms. Missing data contributes zero.
func (r *Ranker) Score(evt types.Event, ctx Context) float64 {
	profile := ctx.Profiles[evt.PubKey]
	return r.Affinity(evt.PubKey, ctx) +
		r.EngagementTerm(ctx.Engagement[evt.ID]) +
		r.Recency(evt.CreatedAt, ctx.Now) +
		r.Locality(ctx.ViewerGeohash, candidateGeohash(evt, profile)) +
		r.AuthorQuality(profile) +
		ctx.AuthorModifiers[evt.PubKey]
}

// Affinity is highest for first-degree authors (more when they follow back),
// lower for second-degree and zero otherwise
func (r *Ranker) Affinity(author string, ctx Context) float64 {
	switch {
	case ctx.FirstDegree[author]:
		if ctx.Followers[author] {
			return r.cfg.FirstDegreeWeight + r.cfg.MutualFollowBonus
		}
		return r.cfg.FirstDegreeWeight
	case ctx.SecondDegree[author]:
		return r.cfg.SecondDegreeWeight
	}
	return 0
}

// EngagementTerm grows with ln(1+x) so one viral post or large zap cannot
// swamp the other terms
func (r *Ranker) EngagementTerm(c types.EngagementCounts) float64 {
	w := r.cfg.Engagement
	raw := float64(c.Likes)*w.Like +
		float64(c.Reposts)*w.Repost +
		float64(c.Replies)*w.Reply +
		float64(c.Quotes)*w.Quote +
		float64(c.ZapCount)*w.Zap +
		float64(c.ZapSats)*w.ZapPerSat
	if raw <= 0 {
		return 0
	}
	return r.cfg.EngagementWeight * math.Log1p(raw)
}

// Recency halves every HalfLifeHours. Future timestamps count as brand new.
func (r *Ranker) Recency(createdAt int64, now time.Time) float64 {
	if now.IsZero() {
		now = time.Now()
	}
	age := float64(now.Unix()-createdAt) / 3600
	if age < 0 {
		age = 0
	}
	return r.cfg.RecencyWeight * math.Pow(0.5, age/r.cfg.HalfLifeHours)
}

// Locality rewards geohashes sharing a prefix with the viewer's:
// 5+ chars (about 5km) full weight, 3-4 chars 0.6, 2 chars 0.3
func (r *Ranker) Locality(viewer, candidate string) float64 {
	if viewer == "" || candidate == "" {
		return 0
	}
	common := 0
	for common < len(viewer) && common < len(candidate) && viewer[common] == candidate[common] {
		common++
	}
	switch {
	case common >= 5:
		return r.cfg.LocalityWeight
	case common >= 3:
		return r.cfg.LocalityWeight * 0.6
	case common >= 2:
		return r.cfg.LocalityWeight * 0.3
	}
	return 0
}

// AuthorQuality rewards authors with a NIP-05 identifier
func (r *Ranker) AuthorQuality(profile *types.ProfileInfo) float64 {
	if profile == nil || profile.Nip05 == "" {
		return 0
	}
	return r.cfg.AuthorQualityWeight
}

func candidateGeohash(evt types.Event, profile *types.ProfileInfo) string {
	if g, ok := nostr.FirstTagValue(evt, "g"); ok {
		return g
	}
	if profile != nil {
		return profile.Geohash
	}
	return ""
}

// RankByRecency orders candidates newest first (ties by id), deduplicated,
// with zero scores. It applies the same mute and not-interested filter as
// Rank, so a feed the viewer muted entirely stays empty.
func RankByRecency(candidates []types.Event, ctx Context, limit int) []types.ScoredPost {
	posts := make([]types.ScoredPost, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, evt := range candidates {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		if ctx.NotInterested[evt.ID] || Muted(evt, ctx.Mutes) {
			continue
		}
		posts = append(posts, view(evt, ctx, 0))
	}
	return order(posts, limit)
}
