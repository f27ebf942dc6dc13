// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Event kinds used by the ingestion and ranking pipeline
const (
	KindMetadata    = 0
	KindTextNote    = 1
	KindContactList = 3
	KindRepost      = 6
	KindReaction    = 7
	KindMuteList    = 10000
	KindZapReceipt  = 9735
)

// ScoredPost is an event together with the data derived for one ranking pass.
// It is built fresh per pipeline invocation and never persisted.
type ScoredPost struct {
	Event       Event        `json:"event"`
	Score       float64      `json:"score"`
	Profile     *ProfileInfo `json:"profile,omitempty"`
	LikeCount   int          `json:"likeCount"`
	ZapAmount   int64        `json:"zapAmount"` // sats
	RepostCount int          `json:"repostCount"`
	ReplyCount  int          `json:"replyCount"`
	IsLiked     bool         `json:"isLiked"`
	IsReposted  bool         `json:"isReposted"`
	QuotedPost  *Event       `json:"quotedPost,omitempty"`
	RepostedBy  string       `json:"repostedBy,omitempty"` // reposter pubkey when delivered via kind 6
}

// EngagementCounts holds aggregated reactions for a single event
type EngagementCounts struct {
	Likes    int   `json:"likes"`
	Reposts  int   `json:"reposts"`
	Replies  int   `json:"replies"`
	Quotes   int   `json:"quotes"`
	ZapCount int   `json:"zapCount"`
	ZapSats  int64 `json:"zapSats"`

	// Set when the viewer's own reaction/repost is among the results
	LikedByViewer    bool `json:"likedByViewer"`
	RepostedByViewer bool `json:"repostedByViewer"`
}

// MuteSet is the viewer's NIP-51 mute list. It is only ever used as a filter.
type MuteSet struct {
	Pubkeys  map[string]bool
	EventIDs map[string]bool
	Hashtags map[string]bool // lowercased
	Words    []string        // lowercased
}

// NewMuteSet returns an empty, ready to use mute set
func NewMuteSet() MuteSet {
	return MuteSet{
		Pubkeys:  make(map[string]bool),
		EventIDs: make(map[string]bool),
		Hashtags: make(map[string]bool),
	}
}

// Empty reports whether nothing is muted
func (m MuteSet) Empty() bool {
	return len(m.Pubkeys) == 0 && len(m.EventIDs) == 0 && len(m.Hashtags) == 0 && len(m.Words) == 0
}
