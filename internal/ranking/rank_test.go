package ranking

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"nurunuru-server/internal/types"
)

var now = time.Unix(1_700_000_000, 0)

func author(c byte) string {
	return strings.Repeat(string(c), 64)
}

func note(i int, pk string, ageHours float64, tags ...[]string) types.Event {
	if tags == nil {
		tags = [][]string{}
	}
	return types.Event{
		ID:        fmt.Sprintf("%064x", i),
		PubKey:    pk,
		CreatedAt: now.Unix() - int64(ageHours*3600),
		Kind:      types.KindTextNote,
		Tags:      tags,
		Content:   fmt.Sprintf("note number %d", i),
	}
}

func baseContext() Context {
	return Context{Mutes: types.NewMuteSet(), Now: now}
}

func ids(posts []types.ScoredPost) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Event.ID
	}
	return out
}

func TestRankEmpty(t *testing.T) {
	got := New(DefaultConfig()).Rank(nil, baseContext(), 10)
	if got == nil || len(got) != 0 {
		t.Errorf("Rank(nil) = %v, want empty", got)
	}
}

func TestRankIsDeterministic(t *testing.T) {
	r := New(DefaultConfig())
	rng := rand.New(rand.NewSource(1))
	var candidates []types.Event
	ctx := baseContext()
	ctx.FirstDegree = SetOf([]string{author('a')})
	ctx.Engagement = map[string]types.EngagementCounts{}
	for i := 0; i < 60; i++ {
		pk := author("abc"[i%3])
		// Many identical timestamps force the tie-breaks
		evt := note(i, pk, float64(rng.Intn(4)))
		candidates = append(candidates, evt)
		if i%5 == 0 {
			ctx.Engagement[evt.ID] = types.EngagementCounts{Likes: rng.Intn(10)}
		}
	}

	first := r.Rank(candidates, ctx, 0)
	for i := 0; i < 5; i++ {
		if again := r.Rank(candidates, ctx, 0); !reflect.DeepEqual(ids(first), ids(again)) {
			t.Fatal("Rank returned a different order for identical input")
		}
	}

	for i := 1; i < len(first); i++ {
		if less(first[i], first[i-1]) {
			t.Fatalf("posts %d and %d out of order", i-1, i)
		}
	}
}

func TestRankDeduplicatesFirstWins(t *testing.T) {
	a := note(1, author('a'), 1)
	dup := a
	dup.Content = "later copy"
	got := New(DefaultConfig()).Rank([]types.Event{a, note(2, author('b'), 1), dup}, baseContext(), 0)

	count := 0
	for _, p := range got {
		if p.Event.ID == a.ID {
			count++
			if p.Event.Content != a.Content {
				t.Error("later duplicate replaced the first occurrence")
			}
		}
	}
	if count != 1 {
		t.Errorf("id appears %d times, want 1", count)
	}
}

func TestRankMuteFilters(t *testing.T) {
	muted := author('m')
	candidates := []types.Event{
		note(1, muted, 0),
		note(2, author('a'), 0),
		note(3, author('a'), 0, []string{"t", "Spam"}),
		note(4, author('a'), 0),
		note(5, author('b'), 0),
	}
	candidates[3].Content = "Buy CHEAP coins"

	ctx := baseContext()
	ctx.FirstDegree = SetOf([]string{muted})
	ctx.Mutes = ParseMuteList(&types.Event{Tags: [][]string{
		{"e", candidates[1].ID},
		{"t", "spam"},
		{"word", "cheap"},
	}}, []string{muted})
	ctx.NotInterested = SetOf([]string{candidates[4].ID})

	got := New(DefaultConfig()).Rank(candidates, ctx, 0)
	if len(got) != 0 {
		t.Errorf("Rank() kept %d muted posts: %v", len(got), ids(got))
	}
}

func TestRecencyIsMonotonic(t *testing.T) {
	r := New(DefaultConfig())
	ctx := baseContext()
	prev := -1.0
	for age := 48.0; age >= -2; age -= 0.5 {
		s := r.Score(note(1, author('a'), age), ctx)
		if s < prev {
			t.Fatalf("newer post scored lower at age %.1fh: %f < %f", age, s, prev)
		}
		prev = s
	}
}

func TestFutureTimestampCountsAsNow(t *testing.T) {
	r := New(DefaultConfig())
	if r.Recency(now.Unix()+3600, now) != r.Recency(now.Unix(), now) {
		t.Error("future timestamp should score like now")
	}
}

func TestRecencyHalfLife(t *testing.T) {
	cfg := DefaultConfig()
	r := New(cfg)
	fresh := r.Recency(now.Unix(), now)
	half := r.Recency(now.Unix()-int64(cfg.HalfLifeHours*3600), now)
	if diff := fresh/2 - half; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("recency after one half-life = %f, want %f", half, fresh/2)
	}
}

func TestAffinityIsMonotonic(t *testing.T) {
	r := New(DefaultConfig())
	ctx := baseContext()
	ctx.FirstDegree = SetOf([]string{author('a')})
	ctx.SecondDegree = SetOf([]string{author('b')})

	first := r.Score(note(1, author('a'), 2), ctx)
	second := r.Score(note(1, author('b'), 2), ctx)
	none := r.Score(note(1, author('c'), 2), ctx)
	if !(first >= second && second >= none) {
		t.Errorf("affinity order broken: first=%f second=%f none=%f", first, second, none)
	}

	ctx.Followers = SetOf([]string{author('a')})
	if mutual := r.Score(note(1, author('a'), 2), ctx); mutual <= first {
		t.Errorf("mutual follow %f should beat one-way follow %f", mutual, first)
	}
}

func TestEngagementIsSubLinear(t *testing.T) {
	r := New(DefaultConfig())
	small := r.EngagementTerm(types.EngagementCounts{Likes: 10})
	big := r.EngagementTerm(types.EngagementCounts{Likes: 1000})
	if big <= small {
		t.Fatal("more engagement should score higher")
	}
	if big > 100*small/10 {
		t.Errorf("100x likes gave %.2fx the score", big/small)
	}
	if r.EngagementTerm(types.EngagementCounts{}) != 0 {
		t.Error("no engagement should contribute zero")
	}
	huge := r.EngagementTerm(types.EngagementCounts{ZapCount: 1, ZapSats: 1_000_000})
	if huge > 20 {
		t.Errorf("a single large zap contributed %.2f", huge)
	}
}

func TestLocalityTiers(t *testing.T) {
	r := New(DefaultConfig())
	w := DefaultConfig().LocalityWeight
	tests := []struct {
		viewer, cand string
		want         float64
	}{
		{"xn76urx", "xn76uab", w},
		{"xn76urx", "xn7zzzz", w * 0.6},
		{"xn76urx", "xnzzzzz", w * 0.3},
		{"xn76urx", "u4pruyd", 0},
		{"", "xn76urx", 0},
	}
	for _, tt := range tests {
		if got := r.Locality(tt.viewer, tt.cand); got != tt.want {
			t.Errorf("Locality(%q, %q) = %f, want %f", tt.viewer, tt.cand, got, tt.want)
		}
	}
}

func TestLocalityReadsGeohashTag(t *testing.T) {
	r := New(DefaultConfig())
	ctx := baseContext()
	ctx.ViewerGeohash = "xn76urx"
	near := note(1, author('a'), 1, []string{"g", "xn76ur"})
	far := note(2, author('a'), 1)
	if r.Score(near, ctx) <= r.Score(far, ctx) {
		t.Error("nearby post should outscore an otherwise equal one")
	}
}

func TestTieBreaks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecencyWeight = 0
	r := New(cfg)
	older := note(2, author('a'), 3)
	newerHigh := note(9, author('a'), 1)
	newerLow := note(3, author('a'), 1)

	got := ids(r.Rank([]types.Event{older, newerHigh, newerLow}, baseContext(), 0))
	want := []string{newerLow.ID, newerHigh.ID, older.ID}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestRankLimit(t *testing.T) {
	var candidates []types.Event
	for i := 0; i < 10; i++ {
		candidates = append(candidates, note(i, author('a'), float64(i)))
	}
	got := New(DefaultConfig()).Rank(candidates, baseContext(), 3)
	if len(got) != 3 || got[0].Event.ID != candidates[0].ID {
		t.Errorf("Rank(limit 3) = %v", ids(got))
	}
}

func TestRankCarriesEngagementAndProfile(t *testing.T) {
	evt := note(1, author('a'), 1)
	ctx := baseContext()
	ctx.Engagement = map[string]types.EngagementCounts{evt.ID: {Likes: 2, Reposts: 1, Replies: 3, ZapSats: 21, LikedByViewer: true}}
	ctx.Profiles = map[string]*types.ProfileInfo{evt.PubKey: {Name: "alice", Nip05: "alice@example.com"}}

	got := New(DefaultConfig()).Rank([]types.Event{evt}, ctx, 0)[0]
	if got.LikeCount != 2 || got.RepostCount != 1 || got.ReplyCount != 3 || got.ZapAmount != 21 || !got.IsLiked || got.IsReposted {
		t.Errorf("post = %+v", got)
	}
	if got.Profile == nil || got.Profile.Name != "alice" {
		t.Error("profile not attached")
	}
}

func TestRankByRecency(t *testing.T) {
	muted := author('m')
	candidates := []types.Event{
		note(1, author('a'), 5),
		note(2, author('a'), 1),
		note(3, muted, 0),
		note(1, author('a'), 5),
		note(4, author('b'), 0),
		note(5, author('b'), 0),
	}
	candidates[4].Content = "Spoiler inside"
	ctx := baseContext()
	ctx.Mutes.Pubkeys[muted] = true
	ctx.Mutes.Words = []string{"spoiler"}
	ctx.NotInterested = map[string]bool{candidates[5].ID: true}

	got := ids(RankByRecency(candidates, ctx, 0))
	want := []string{candidates[1].ID, candidates[0].ID}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RankByRecency() = %v, want %v", got, want)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.SecondDegreeWeight = bad.FirstDegreeWeight + 1
	if bad.Validate() == nil {
		t.Error("second degree outranking first degree should be rejected")
	}
	bad = DefaultConfig()
	bad.HalfLifeHours = 0
	if bad.Validate() == nil {
		t.Error("zero half-life should be rejected")
	}
}
