package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/domain"
	"github.com/blackmichael/bluesky-analytics/internal/firehose"
)

// Stage names the processing step a record failed in.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StagePersist   Stage = "persist"
)

// Failure describes one record that could not be processed. It carries the
// original event so consumers can inspect or replay it.
type Failure struct {
	Kind  domain.RecordKind
	Stage Stage
	Event *firehose.Event
	Err   error
}

// ProcessedFunc observes every successfully persisted record.
type ProcessedFunc func(kind domain.RecordKind, record any)

// FailureFunc observes every per-record failure.
type FailureFunc func(f Failure)

// ProfileDetails is the richer profile view an authenticated lookup returns.
type ProfileDetails struct {
	DID            string
	Handle         string
	DisplayName    string
	Description    string
	FollowersCount *int64
	FollowsCount   *int64
	PostsCount     *int64
}

// ProfileFetcher looks up an account's full profile. Optional; without it
// profile records fall back to their own declared fields.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, actor string) (*ProfileDetails, error)
}

// Router classifies decoded firehose events and dispatches each to the
// matching normalizer and writer. A failure in either step is reported and
// contained: one bad event never stops ingestion of the ones behind it.
type Router struct {
	posts       domain.PostRepository
	engagements domain.EngagementRepository
	follows     domain.FollowRepository
	profiles    domain.ProfileRepository

	profileAPI ProfileFetcher

	onProcessed []ProcessedFunc
	onFailed    []FailureFunc

	logger *slog.Logger
	now    func() time.Time
}

// NewRouter creates a router over the four record writers.
func NewRouter(
	posts domain.PostRepository,
	engagements domain.EngagementRepository,
	follows domain.FollowRepository,
	profiles domain.ProfileRepository,
	logger *slog.Logger,
) *Router {
	return &Router{
		posts:       posts,
		engagements: engagements,
		follows:     follows,
		profiles:    profiles,
		logger:      logger,
		now:         time.Now,
	}
}

// SetProfileFetcher enables authenticated profile enrichment. Call before
// the stream starts.
func (r *Router) SetProfileFetcher(f ProfileFetcher) {
	r.profileAPI = f
}

// OnRecordProcessed registers a listener for persisted records. Register
// before the stream starts.
func (r *Router) OnRecordProcessed(fn ProcessedFunc) {
	r.onProcessed = append(r.onProcessed, fn)
}

// OnRecordFailed registers a listener for per-record failures. Register
// before the stream starts.
func (r *Router) OnRecordFailed(fn FailureFunc) {
	r.onFailed = append(r.onFailed, fn)
}

type target int

const (
	targetNone target = iota
	targetHandle
	targetPost
	targetLike
	targetRepost
	targetFollow
	targetProfile
)

// classify applies the routing rules, first match wins. Events that match
// nothing are not errors; the feed carries collections we do not model.
func classify(evt *firehose.Event) target {
	if evt.Commit == nil {
		if evt.DID != "" && handleOf(evt) != "" {
			return targetHandle
		}
		return targetNone
	}

	c := evt.Commit
	if c.Operation == firehose.OpDelete {
		// delete semantics are not modeled
		return targetNone
	}

	switch c.Collection {
	case CollectionPost:
		if c.Operation == firehose.OpCreate {
			return targetPost
		}
		return targetNone
	case CollectionLike:
		return targetLike
	case CollectionRepost:
		return targetRepost
	case CollectionFollow:
		return targetFollow
	case CollectionProfile:
		return targetProfile
	}
	return targetNone
}

// handleOf finds the new handle on a handle-update event, whether it rides
// at the top level or inside an identity payload.
func handleOf(evt *firehose.Event) string {
	if evt.Handle != "" {
		return evt.Handle
	}
	if evt.Identity != nil {
		return evt.Identity.Handle
	}
	return ""
}

// HandleEvent routes one event. It only returns an error for context
// cancellation; every per-record failure is absorbed into a failure signal.
func (r *Router) HandleEvent(ctx context.Context, evt *firehose.Event) error {
	switch classify(evt) {
	case targetHandle:
		r.handleHandleUpdate(ctx, evt)
	case targetPost:
		r.handlePost(ctx, evt)
	case targetLike:
		r.handleEngagement(ctx, evt, domain.EngagementLike, domain.KindLike)
	case targetRepost:
		r.handleEngagement(ctx, evt, domain.EngagementRepost, domain.KindRepost)
	case targetFollow:
		r.handleFollow(ctx, evt)
	case targetProfile:
		r.handleProfile(ctx, evt)
	default:
		classificationMissCounter.Inc()
	}
	return ctx.Err()
}

func (r *Router) handlePost(ctx context.Context, evt *firehose.Event) {
	post, err := NormalizePost(evt, r.now().UTC())
	if err != nil {
		r.fail(domain.KindPost, StageNormalize, evt, err)
		return
	}
	if err := r.posts.UpsertPost(ctx, post); err != nil {
		r.fail(domain.KindPost, StagePersist, evt, err)
		return
	}
	r.processed(domain.KindPost, post)
}

func (r *Router) handleEngagement(ctx context.Context, evt *firehose.Event, ekind domain.EngagementKind, kind domain.RecordKind) {
	e, err := NormalizeEngagement(evt, ekind, r.now().UTC())
	if err != nil {
		r.fail(kind, StageNormalize, evt, err)
		return
	}
	if err := r.engagements.UpsertEngagement(ctx, e); err != nil {
		r.fail(kind, StagePersist, evt, err)
		return
	}
	r.processed(kind, e)
}

func (r *Router) handleFollow(ctx context.Context, evt *firehose.Event) {
	f, err := NormalizeFollow(evt, r.now().UTC())
	if err != nil {
		r.fail(domain.KindFollow, StageNormalize, evt, err)
		return
	}
	if err := r.follows.UpsertFollow(ctx, f); err != nil {
		r.fail(domain.KindFollow, StagePersist, evt, err)
		return
	}
	r.processed(domain.KindFollow, f)
}

func (r *Router) handleProfile(ctx context.Context, evt *firehose.Event) {
	profile, err := NormalizeProfile(evt, r.now().UTC())
	if err != nil {
		r.fail(domain.KindProfile, StageNormalize, evt, err)
		return
	}

	// An authenticated lookup, when available, wins over the record's own
	// declared fields and fills in the count fields. Lookup failure just
	// means we keep the fallback.
	if r.profileAPI != nil {
		details, err := r.profileAPI.GetProfile(ctx, evt.DID)
		if err != nil {
			r.logger.Warn("profile lookup failed, using record fields", "did", evt.DID, "error", err)
		} else if details != nil {
			profile.Handle = details.Handle
			profile.DisplayName = details.DisplayName
			profile.Description = details.Description
			profile.FollowersCount = details.FollowersCount
			profile.FollowsCount = details.FollowsCount
			profile.PostsCount = details.PostsCount
		}
	}

	if err := r.profiles.UpsertProfile(ctx, profile); err != nil {
		r.fail(domain.KindProfile, StagePersist, evt, err)
		return
	}
	r.processed(domain.KindProfile, profile)
}

func (r *Router) handleHandleUpdate(ctx context.Context, evt *firehose.Event) {
	handle := handleOf(evt)
	if err := r.profiles.UpdateHandle(ctx, evt.DID, handle, r.now().UTC()); err != nil {
		r.fail(domain.KindProfile, StagePersist, evt, err)
		return
	}
	r.processed(domain.KindProfile, &domain.UserProfile{DID: evt.DID, Handle: handle})
}

func (r *Router) processed(kind domain.RecordKind, record any) {
	recordsProcessedCounter.WithLabelValues(string(kind)).Inc()
	for _, fn := range r.onProcessed {
		fn(kind, record)
	}
}

func (r *Router) fail(kind domain.RecordKind, stage Stage, evt *firehose.Event, err error) {
	recordsFailedCounter.WithLabelValues(string(kind), string(stage)).Inc()
	r.logger.Error("failed to process record",
		"kind", kind,
		"stage", stage,
		"did", evt.DID,
		"error", err,
	)
	for _, fn := range r.onFailed {
		fn(Failure{Kind: kind, Stage: stage, Event: evt, Err: err})
	}
}
