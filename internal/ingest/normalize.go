package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/blackmichael/bluesky-analytics/internal/domain"
	"github.com/blackmichael/bluesky-analytics/internal/firehose"
	"github.com/goccy/go-json"
)

// Normalizers are pure: the same raw event and clock value always produce
// the same record, byte for byte. All side effects live in the router and
// the persistence layer.

var hashtagPattern = regexp.MustCompile(`#\w+`)

// NormalizePost converts a post commit into a domain.Post with all derived
// fields computed.
func NormalizePost(evt *firehose.Event, now time.Time) (*domain.Post, error) {
	commit := evt.Commit
	if commit == nil || len(commit.Record) == 0 {
		return nil, fmt.Errorf("post event has no record")
	}

	var rec postRecord
	if err := json.Unmarshal(commit.Record, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal post record: %w", err)
	}

	createdAt, err := parseRecordTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("post createdAt: %w", err)
	}

	mentions, hashtags := countMentionsHashtags(rec.Text, rec.Facets)
	imageCount := countImages(rec.Embed)

	return &domain.Post{
		URI:             evt.URI(),
		CID:             commit.CID,
		AuthorDID:       evt.DID,
		RKey:            commit.RKey,
		Text:            rec.Text,
		TextLength:      utf8.RuneCountInString(rec.Text),
		MentionCount:    mentions,
		HashtagCount:    hashtags,
		ImageCount:      imageCount,
		HasImage:        imageCount > 0,
		HasExternalLink: strings.Contains(rec.Text, "http"),
		Language:        detectLanguage(rec.Text),
		CreatedAt:       createdAt,
		HourTimestamp:   createdAt.Truncate(time.Hour),
		IndexedAt:       now,
		Raw:             append([]byte(nil), commit.Record...),
	}, nil
}

// NormalizeEngagement converts a like or repost commit into a
// domain.Engagement. TimeToEngage and ActorFollowsAuthor stay unresolved;
// filling them needs lookups the normalizer does not perform.
func NormalizeEngagement(evt *firehose.Event, kind domain.EngagementKind, now time.Time) (*domain.Engagement, error) {
	commit := evt.Commit
	if commit == nil || len(commit.Record) == 0 {
		return nil, fmt.Errorf("%s event has no record", kind)
	}

	var rec engagementRecord
	if err := json.Unmarshal(commit.Record, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal %s record: %w", kind, err)
	}
	if rec.Subject.URI == "" {
		return nil, fmt.Errorf("%s record has no subject uri", kind)
	}

	createdAt, err := parseRecordTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s createdAt: %w", kind, err)
	}

	return &domain.Engagement{
		SubjectURI: rec.Subject.URI,
		SubjectCID: rec.Subject.CID,
		ActorDID:   evt.DID,
		Kind:       kind,
		CreatedAt:  createdAt,
		IndexedAt:  now,
	}, nil
}

// NormalizeFollow converts a follow commit into a domain.Follow.
func NormalizeFollow(evt *firehose.Event, now time.Time) (*domain.Follow, error) {
	commit := evt.Commit
	if commit == nil || len(commit.Record) == 0 {
		return nil, fmt.Errorf("follow event has no record")
	}

	var rec followRecord
	if err := json.Unmarshal(commit.Record, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal follow record: %w", err)
	}
	if rec.Subject == "" {
		return nil, fmt.Errorf("follow record has no subject")
	}

	createdAt, err := parseRecordTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("follow createdAt: %w", err)
	}

	return &domain.Follow{
		FollowerDID: evt.DID,
		FollowedDID: rec.Subject,
		CreatedAt:   createdAt,
		IndexedAt:   now,
	}, nil
}

// NormalizeProfile converts a profile commit into a domain.UserProfile from
// the record's own declared fields. Count fields stay nil; they are only
// known to an authenticated lookup, which the router overlays separately.
func NormalizeProfile(evt *firehose.Event, now time.Time) (*domain.UserProfile, error) {
	commit := evt.Commit
	if commit == nil || len(commit.Record) == 0 {
		return nil, fmt.Errorf("profile event has no record")
	}

	var rec profileRecord
	if err := json.Unmarshal(commit.Record, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal profile record: %w", err)
	}

	return &domain.UserProfile{
		DID:         evt.DID,
		DisplayName: rec.DisplayName,
		Description: rec.Description,
		UpdatedAt:   now,
	}, nil
}

// countImages counts image entries in an embed. Images either sit directly
// on an images embed or one level down in a record-with-media embed.
func countImages(e *embed) int {
	if e == nil {
		return 0
	}
	switch e.Type {
	case embedImages:
		return len(e.Images)
	case embedRecordWithMedia:
		if e.Media != nil && e.Media.Type == embedImages {
			return len(e.Media.Images)
		}
	}
	return 0
}

// countMentionsHashtags counts mentions and hashtags. When the record
// carries any facets, only facet features count; only a record with no
// facets at all falls back to scanning the raw text. The two strategies are
// never mixed within one record.
func countMentionsHashtags(text string, facets []facet) (mentions, hashtags int) {
	if len(facets) > 0 {
		for _, f := range facets {
			for _, feat := range f.Features {
				switch feat.Type {
				case facetMention:
					mentions++
				case facetTag:
					hashtags++
				}
			}
		}
		return mentions, hashtags
	}
	return strings.Count(text, "@"), len(hashtagPattern.FindAllString(text, -1))
}

// detectLanguage is a coarse Unicode-block classifier: Japanese beats
// Arabic beats Russian beats the English default. First match wins; no
// statistical model.
func detectLanguage(text string) string {
	var hasArabic, hasCyrillic bool
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r), unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			return "ja"
		case unicode.Is(unicode.Arabic, r):
			hasArabic = true
		case unicode.Is(unicode.Cyrillic, r):
			hasCyrillic = true
		}
	}
	if hasArabic {
		return "ar"
	}
	if hasCyrillic {
		return "ru"
	}
	return "en"
}

// parseRecordTime parses an author-declared createdAt. Always normalized to
// UTC so hour buckets are stable regardless of the author's zone offset.
func parseRecordTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing createdAt")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return t.UTC(), nil
}
