package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/config"
	"github.com/blackmichael/bluesky-analytics/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStats struct {
	limit int
	stats []domain.HourlyStat
	err   error
}

func (s *stubStats) RecomputeHourlyStats(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *stubStats) GetHourlyStats(_ context.Context, limit int) ([]domain.HourlyStat, error) {
	s.limit = limit
	return s.stats, s.err
}

func newTestServer(stats domain.StatsRepository) *Server {
	cfg := &config.Config{Port: 0}
	return NewServer(cfg, stats, slog.New(slog.DiscardHandler))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&stubStats{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHourlyStatsEndpoint(t *testing.T) {
	hour := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	stats := &stubStats{stats: []domain.HourlyStat{{
		HourTimestamp: hour,
		PostCount:     120,
		LikeCount:     900,
		RepostCount:   45,
		FollowCount:   30,
		ActiveAuthors: 80,
	}}}
	srv := newTestServer(stats)

	req := httptest.NewRequest(http.MethodGet, "/stats/hourly?hours=48", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 48, stats.limit)

	var body struct {
		Stats []map[string]any `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Stats, 1)
	assert.Equal(t, "2024-03-15T10:00:00Z", body.Stats[0]["hour"])
	assert.EqualValues(t, 120, body.Stats[0]["post_count"])
	assert.EqualValues(t, 80, body.Stats[0]["active_authors"])
}

func TestHourlyStatsDefaultsTo24Hours(t *testing.T) {
	stats := &stubStats{}
	srv := newTestServer(stats)

	req := httptest.NewRequest(http.MethodGet, "/stats/hourly", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, stats.limit)
}

func TestHourlyStatsRejectsBadRange(t *testing.T) {
	for _, hours := range []string{"0", "-5", "721", "sideways"} {
		t.Run(hours, func(t *testing.T) {
			srv := newTestServer(&stubStats{})

			req := httptest.NewRequest(http.MethodGet, "/stats/hourly?hours="+hours, nil)
			rec := httptest.NewRecorder()
			srv.httpServer.Handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHourlyStatsRepositoryError(t *testing.T) {
	srv := newTestServer(&stubStats{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/stats/hourly", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
