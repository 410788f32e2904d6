package domain

import (
	"context"
	"time"
)

// PostRepository defines persistence operations for normalized posts.
type PostRepository interface {
	// UpsertPost inserts a post, or on natural-key collision overwrites the
	// mutable derived fields while preserving identity and creation fields.
	// Replaying the same post any number of times leaves one row.
	UpsertPost(ctx context.Context, post *Post) error
}

// EngagementRepository defines persistence operations for likes and reposts.
type EngagementRepository interface {
	// UpsertEngagement inserts an engagement if its (subject, actor, kind)
	// key has not been seen; repeated deliveries are no-ops.
	UpsertEngagement(ctx context.Context, e *Engagement) error
}

// FollowRepository defines persistence operations for follow edges.
type FollowRepository interface {
	// UpsertFollow inserts a follow edge; repeated deliveries are no-ops.
	UpsertFollow(ctx context.Context, f *Follow) error
}

// ProfileRepository defines persistence operations for user profiles.
type ProfileRepository interface {
	// UpsertProfile inserts or overwrites a profile. Overwrites are
	// last-write-wins on UpdatedAt; a stale replay never clobbers a newer row.
	UpsertProfile(ctx context.Context, p *UserProfile) error

	// UpdateHandle records a handle change for an account, creating a bare
	// profile row if none exists yet.
	UpdateHandle(ctx context.Context, did, handle string, seenAt time.Time) error
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-persisted firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// StatsRepository defines the read-only aggregation boundary. The rollup job
// and the dashboard API consume only these; neither touches the ingest path.
type StatsRepository interface {
	// RecomputeHourlyStats rebuilds hourly_stats rows for every hour bucket
	// from `since` onward and returns the number of buckets written.
	RecomputeHourlyStats(ctx context.Context, since time.Time) (int64, error)

	// GetHourlyStats returns the most recent hourly rollup rows, newest
	// first, up to limit.
	GetHourlyStats(ctx context.Context, limit int) ([]HourlyStat, error)
}
