package domain

import "time"

// RecordKind identifies which typed record an event normalized into.
type RecordKind string

const (
	KindPost    RecordKind = "post"
	KindLike    RecordKind = "like"
	KindRepost  RecordKind = "repost"
	KindFollow  RecordKind = "follow"
	KindProfile RecordKind = "profile"
)

// Post is a normalized app.bsky.feed.post record with derived analytics
// fields. All derived fields are computed once at normalization time and are
// pure functions of the raw record.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// RKey is the record key within the author's repo. (AuthorDID, RKey) is
	// the natural key used for idempotent upserts.
	RKey string

	// Text is the post body text.
	Text string

	TextLength      int
	MentionCount    int
	HashtagCount    int
	ImageCount      int
	HasImage        bool
	HasExternalLink bool

	// Language is a coarse Unicode-block classification (ja, ar, ru, en).
	Language string

	// CreatedAt is the author-declared creation time of the record.
	CreatedAt time.Time

	// HourTimestamp is CreatedAt truncated to the hour. It is the join key
	// for hourly aggregation, so the truncation is exact, never rounded.
	HourTimestamp time.Time

	// IndexedAt is when we first indexed this post.
	IndexedAt time.Time

	// Raw is the original record JSON, kept as an audit blob.
	Raw []byte
}

// EngagementKind distinguishes likes from reposts.
type EngagementKind string

const (
	EngagementLike   EngagementKind = "like"
	EngagementRepost EngagementKind = "repost"
)

// Engagement is a like or repost of a post. The natural key is
// (SubjectURI, ActorDID, Kind): one row per interaction no matter how many
// times the same event is replayed.
type Engagement struct {
	// SubjectURI is the AT-URI of the post being engaged with. It is a soft
	// reference; the post may not have been seen yet.
	SubjectURI string

	// SubjectCID is the content identifier of the engaged record version.
	SubjectCID string

	// ActorDID is the DID of the account that liked or reposted.
	ActorDID string

	Kind EngagementKind

	// CreatedAt is the author-declared creation time of the engagement.
	CreatedAt time.Time

	// IndexedAt is when we first indexed this engagement.
	IndexedAt time.Time

	// TimeToEngage would be the gap between the subject's creation and this
	// engagement. Computing it requires a post lookup the normalizer does
	// not perform, so it is nil until a later enrichment pass fills it in.
	TimeToEngage *time.Duration

	// ActorFollowsAuthor is false for the same reason; do not read it as a
	// meaningful signal yet.
	ActorFollowsAuthor bool
}

// Follow is a follow edge between two accounts, keyed by
// (FollowerDID, FollowedDID).
type Follow struct {
	FollowerDID string
	FollowedDID string

	// CreatedAt is the author-declared creation time of the follow record.
	CreatedAt time.Time

	// IndexedAt is when we first indexed this follow.
	IndexedAt time.Time
}

// UserProfile is the latest known profile state for an account, keyed by
// DID. Mutable fields overwrite last-write-wins on UpdatedAt.
type UserProfile struct {
	DID         string
	Handle      string
	DisplayName string
	Description string

	// Count fields are only available when an authenticated profile lookup
	// enriched the record; nil means unknown, not zero.
	FollowersCount *int64
	FollowsCount   *int64
	PostsCount     *int64

	UpdatedAt time.Time
}

// HourlyStat is one row of the recomputed hourly rollup table.
type HourlyStat struct {
	HourTimestamp time.Time
	PostCount     int64
	LikeCount     int64
	RepostCount   int64
	FollowCount   int64
	ActiveAuthors int64
}
