package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/config"
	"github.com/blackmichael/bluesky-analytics/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP surface for dashboards: hourly rollup reads, health,
// and Prometheus metrics. It reads only the aggregated tables.
type Server struct {
	cfg        *config.Config
	stats      domain.StatsRepository
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server over the stats repository.
func NewServer(cfg *config.Config, stats domain.StatsRepository, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		stats:  stats,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats/hourly", s.handleHourlyStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed < 1 || parsed > 720 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "hours must be between 1 and 720")
			return
		}
		hours = parsed
	}

	stats, err := s.stats.GetHourlyStats(r.Context(), hours)
	if err != nil {
		s.logger.Error("failed to get hourly stats", "hours", hours, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats": toStatsResponse(stats),
	})
}

func toStatsResponse(stats []domain.HourlyStat) []map[string]any {
	result := make([]map[string]any, len(stats))
	for i, s := range stats {
		result[i] = map[string]any{
			"hour":           s.HourTimestamp.UTC().Format(time.RFC3339),
			"post_count":     s.PostCount,
			"like_count":     s.LikeCount,
			"repost_count":   s.RepostCount,
			"follow_count":   s.FollowCount,
			"active_authors": s.ActiveAuthors,
		}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
