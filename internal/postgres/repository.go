package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/domain"
	"github.com/lib/pq"
)

// upsertRetries bounds how many times a transient store error is retried
// before the failure surfaces for that single record. It is never fatal for
// the stream.
const upsertRetries = 3

// Repository implements the domain repository ports using PostgreSQL. All
// writers share the database/sql connection pool; every call acquires and
// releases a connection through Exec/Query, so an error inside one writer
// cannot leak a held connection.
type Repository struct {
	db *sql.DB
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// InitSchema creates the tables and indexes. A failure here means the
// process must not begin consuming.
func (r *Repository) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			author_did        TEXT NOT NULL,
			rkey              TEXT NOT NULL,
			uri               TEXT NOT NULL,
			cid               TEXT NOT NULL,
			text              TEXT NOT NULL,
			text_length       INTEGER NOT NULL,
			mention_count     INTEGER NOT NULL,
			hashtag_count     INTEGER NOT NULL,
			image_count       INTEGER NOT NULL,
			has_image         BOOLEAN NOT NULL,
			has_external_link BOOLEAN NOT NULL,
			language          TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			hour_timestamp    TIMESTAMPTZ NOT NULL,
			indexed_at        TIMESTAMPTZ NOT NULL,
			raw               JSONB,
			PRIMARY KEY (author_did, rkey)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS posts_uri_idx ON posts (uri)`,
		`CREATE INDEX IF NOT EXISTS posts_hour_idx ON posts (hour_timestamp)`,
		`CREATE TABLE IF NOT EXISTS engagements (
			subject_uri          TEXT NOT NULL,
			actor_did            TEXT NOT NULL,
			kind                 TEXT NOT NULL,
			subject_cid          TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL,
			indexed_at           TIMESTAMPTZ NOT NULL,
			time_to_engage_us    BIGINT,
			actor_follows_author BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (subject_uri, actor_did, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS engagements_created_idx ON engagements (created_at)`,
		`CREATE TABLE IF NOT EXISTS follows (
			follower_did TEXT NOT NULL,
			followed_did TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			indexed_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (follower_did, followed_did)
		)`,
		`CREATE INDEX IF NOT EXISTS follows_created_idx ON follows (created_at)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			did             TEXT PRIMARY KEY,
			handle          TEXT NOT NULL DEFAULT '',
			display_name    TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			followers_count BIGINT,
			follows_count   BIGINT,
			posts_count     BIGINT,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			service      TEXT PRIMARY KEY,
			cursor_value BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hourly_stats (
			hour_timestamp TIMESTAMPTZ PRIMARY KEY,
			post_count     BIGINT NOT NULL DEFAULT 0,
			like_count     BIGINT NOT NULL DEFAULT 0,
			repost_count   BIGINT NOT NULL DEFAULT 0,
			follow_count   BIGINT NOT NULL DEFAULT 0,
			active_authors BIGINT NOT NULL DEFAULT 0,
			computed_at    TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// UpsertPost inserts a post; on natural-key collision it overwrites the
// mutable and derived fields but preserves indexed_at, so a replay leaves
// the first-seen timestamp intact.
func (r *Repository) UpsertPost(ctx context.Context, post *domain.Post) error {
	query := `
		INSERT INTO posts (
			author_did, rkey, uri, cid, text, text_length, mention_count,
			hashtag_count, image_count, has_image, has_external_link,
			language, created_at, hour_timestamp, indexed_at, raw
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (author_did, rkey) DO UPDATE SET
			cid               = EXCLUDED.cid,
			text              = EXCLUDED.text,
			text_length       = EXCLUDED.text_length,
			mention_count     = EXCLUDED.mention_count,
			hashtag_count     = EXCLUDED.hashtag_count,
			image_count       = EXCLUDED.image_count,
			has_image         = EXCLUDED.has_image,
			has_external_link = EXCLUDED.has_external_link,
			language          = EXCLUDED.language,
			created_at        = EXCLUDED.created_at,
			hour_timestamp    = EXCLUDED.hour_timestamp,
			raw               = EXCLUDED.raw`

	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			post.AuthorDID,
			post.RKey,
			post.URI,
			post.CID,
			post.Text,
			post.TextLength,
			post.MentionCount,
			post.HashtagCount,
			post.ImageCount,
			post.HasImage,
			post.HasExternalLink,
			post.Language,
			post.CreatedAt,
			post.HourTimestamp,
			post.IndexedAt,
			post.Raw,
		)
		return err
	})
}

// UpsertEngagement inserts a like or repost. Replays of the same
// (subject, actor, kind) are no-ops. The subject is a soft reference; the
// post it points at may not have been seen yet, and that is fine.
func (r *Repository) UpsertEngagement(ctx context.Context, e *domain.Engagement) error {
	query := `
		INSERT INTO engagements (
			subject_uri, actor_did, kind, subject_cid, created_at, indexed_at,
			time_to_engage_us, actor_follows_author
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_uri, actor_did, kind) DO NOTHING`

	var tte *int64
	if e.TimeToEngage != nil {
		us := e.TimeToEngage.Microseconds()
		tte = &us
	}

	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			e.SubjectURI,
			e.ActorDID,
			string(e.Kind),
			e.SubjectCID,
			e.CreatedAt,
			e.IndexedAt,
			tte,
			e.ActorFollowsAuthor,
		)
		return err
	})
}

// UpsertFollow inserts a follow edge; replays are no-ops.
func (r *Repository) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	query := `
		INSERT INTO follows (follower_did, followed_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (follower_did, followed_did) DO NOTHING`

	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			f.FollowerDID,
			f.FollowedDID,
			f.CreatedAt,
			f.IndexedAt,
		)
		return err
	})
}

// UpsertProfile inserts or overwrites a profile, last-write-wins on
// updated_at. Count fields only move forward to known values; a record
// without counts never erases counts a richer lookup filled in earlier.
func (r *Repository) UpsertProfile(ctx context.Context, p *domain.UserProfile) error {
	query := `
		INSERT INTO profiles (
			did, handle, display_name, description,
			followers_count, follows_count, posts_count, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (did) DO UPDATE SET
			handle          = CASE WHEN EXCLUDED.handle <> '' THEN EXCLUDED.handle ELSE profiles.handle END,
			display_name    = EXCLUDED.display_name,
			description     = EXCLUDED.description,
			followers_count = COALESCE(EXCLUDED.followers_count, profiles.followers_count),
			follows_count   = COALESCE(EXCLUDED.follows_count, profiles.follows_count),
			posts_count     = COALESCE(EXCLUDED.posts_count, profiles.posts_count),
			updated_at      = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= profiles.updated_at`

	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			p.DID,
			p.Handle,
			p.DisplayName,
			p.Description,
			p.FollowersCount,
			p.FollowsCount,
			p.PostsCount,
			p.UpdatedAt,
		)
		return err
	})
}

// UpdateHandle records a handle change, creating a bare profile row if the
// account has never been seen.
func (r *Repository) UpdateHandle(ctx context.Context, did, handle string, seenAt time.Time) error {
	query := `
		INSERT INTO profiles (did, handle, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (did) DO UPDATE SET
			handle     = EXCLUDED.handle,
			updated_at = GREATEST(profiles.updated_at, EXCLUDED.updated_at)`

	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query, did, handle, seenAt)
		return err
	})
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = $1`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE SET cursor_value = $2, updated_at = $3`,
		service, cursor, time.Now().UTC(),
	)
	return err
}

// RecomputeHourlyStats rebuilds the rollup rows for every hour bucket from
// `since` onward. It reads only the ingestion tables and writes only
// hourly_stats.
func (r *Repository) RecomputeHourlyStats(ctx context.Context, since time.Time) (int64, error) {
	query := `
		WITH hours AS (
			SELECT hour_timestamp AS hour FROM posts WHERE hour_timestamp >= $1
			UNION
			SELECT date_trunc('hour', created_at) FROM engagements WHERE created_at >= $1
			UNION
			SELECT date_trunc('hour', created_at) FROM follows WHERE created_at >= $1
		),
		p AS (
			SELECT hour_timestamp AS hour,
			       COUNT(*) AS cnt,
			       COUNT(DISTINCT author_did) AS authors
			FROM posts WHERE hour_timestamp >= $1
			GROUP BY 1
		),
		likes AS (
			SELECT date_trunc('hour', created_at) AS hour, COUNT(*) AS cnt
			FROM engagements WHERE created_at >= $1 AND kind = 'like'
			GROUP BY 1
		),
		reposts AS (
			SELECT date_trunc('hour', created_at) AS hour, COUNT(*) AS cnt
			FROM engagements WHERE created_at >= $1 AND kind = 'repost'
			GROUP BY 1
		),
		f AS (
			SELECT date_trunc('hour', created_at) AS hour, COUNT(*) AS cnt
			FROM follows WHERE created_at >= $1
			GROUP BY 1
		)
		INSERT INTO hourly_stats (
			hour_timestamp, post_count, like_count, repost_count,
			follow_count, active_authors, computed_at
		)
		SELECT hours.hour,
		       COALESCE(p.cnt, 0),
		       COALESCE(likes.cnt, 0),
		       COALESCE(reposts.cnt, 0),
		       COALESCE(f.cnt, 0),
		       COALESCE(p.authors, 0),
		       NOW()
		FROM hours
		LEFT JOIN p ON p.hour = hours.hour
		LEFT JOIN likes ON likes.hour = hours.hour
		LEFT JOIN reposts ON reposts.hour = hours.hour
		LEFT JOIN f ON f.hour = hours.hour
		ON CONFLICT (hour_timestamp) DO UPDATE SET
			post_count     = EXCLUDED.post_count,
			like_count     = EXCLUDED.like_count,
			repost_count   = EXCLUDED.repost_count,
			follow_count   = EXCLUDED.follow_count,
			active_authors = EXCLUDED.active_authors,
			computed_at    = EXCLUDED.computed_at`

	res, err := r.db.ExecContext(ctx, query, since)
	if err != nil {
		return 0, fmt.Errorf("recompute hourly stats: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// GetHourlyStats returns the most recent rollup rows, newest first.
func (r *Repository) GetHourlyStats(ctx context.Context, limit int) ([]domain.HourlyStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT hour_timestamp, post_count, like_count, repost_count,
		       follow_count, active_authors
		FROM hourly_stats
		ORDER BY hour_timestamp DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query hourly stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.HourlyStat
	for rows.Next() {
		var s domain.HourlyStat
		err := rows.Scan(
			&s.HourTimestamp,
			&s.PostCount,
			&s.LikeCount,
			&s.RepostCount,
			&s.FollowCount,
			&s.ActiveAuthors,
		)
		if err != nil {
			return nil, fmt.Errorf("scan hourly stat: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly stats: %w", err)
	}
	return stats, nil
}

// withRetry retries fn on transient failures, a bounded number of times.
// Errors the server itself reported (constraint violations and the like)
// arrive as *pq.Error and are not retried; only driver-level failures such
// as a dropped connection are.
func (r *Repository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= upsertRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return err
		}
		if attempt < upsertRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return err
}
