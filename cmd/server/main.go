package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/aggregate"
	"github.com/blackmichael/bluesky-analytics/internal/bluesky"
	"github.com/blackmichael/bluesky-analytics/internal/config"
	"github.com/blackmichael/bluesky-analytics/internal/firehose"
	"github.com/blackmichael/bluesky-analytics/internal/httpserver"
	"github.com/blackmichael/bluesky-analytics/internal/ingest"
	"github.com/blackmichael/bluesky-analytics/internal/postgres"
	"github.com/blackmichael/bluesky-analytics/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The store must be reachable and the schema in place before we start
	// consuming; this is the only failure allowed to stop the process.
	repo, err := postgres.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	if err := repo.InitSchema(startupCtx); err != nil {
		return fmt.Errorf("establish schema: %w", err)
	}
	logger.Info("connected to database, schema ready")

	router := ingest.NewRouter(repo, repo, repo, repo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional authenticated session for profile enrichment. Login failure
	// downgrades to record-field fallback rather than stopping ingestion.
	if cfg.ProfileEnrichmentEnabled() {
		client := bluesky.NewClient(cfg.BlueskyPDS)
		if err := client.Login(ctx, cfg.BlueskyHandle, cfg.BlueskyAppPassword); err != nil {
			logger.Warn("bluesky login failed, profile enrichment disabled", "error", err)
		} else {
			router.SetProfileFetcher(&profileFetcher{client: client})
			logger.Info("profile enrichment enabled", "did", client.DID())
		}
	}

	sched := scheduler.New(cfg.IngestWorkers, "firehose", router.HandleEvent, logger)

	var dict []byte
	if cfg.Compress && cfg.ZSTDDictionaryPath != "" {
		dict, err = os.ReadFile(cfg.ZSTDDictionaryPath)
		if err != nil {
			return fmt.Errorf("read zstd dictionary: %w", err)
		}
	}

	subscriber, err := firehose.NewSubscriber(firehose.Options{
		URL:                 cfg.FirehoseURL,
		WantedCollections:   cfg.WantedCollections,
		WantedDIDs:          cfg.WantedDIDs,
		MaxMessageSizeBytes: cfg.MaxMessageSizeBytes,
		Compress:            cfg.Compress,
		ZSTDDictionary:      dict,
		RequireHello:        cfg.RequireHello,
		SafetyMarginMicros:  cfg.RewindMicros,
		Retry: firehose.RetryPolicy{
			Delay:  cfg.ReconnectDelay,
			Jitter: cfg.ReconnectJitter,
		},
	}, sched, repo, logger)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	subscriberErr := make(chan error, 1)
	go func() {
		subscriberErr <- subscriber.Start(ctx)
	}()

	aggregator := aggregate.New(repo, cfg.AggregationInterval, cfg.AggregationWindow, logger)
	go aggregator.Start(ctx)

	server := httpserver.NewServer(cfg, repo, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "firehose", cfg.FirehoseURL)

	// The subscriber reconnects forever on transport errors, so it only
	// exits on its own when startup fails; that stops the process like a
	// failed schema init does.
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		<-subscriberErr
	case err := <-subscriberErr:
		logger.Error("firehose subscriber failed", "error", err)
		runErr = fmt.Errorf("firehose subscriber: %w", err)
		cancel()
	}

	// Stop the feed, drain in-flight persistence, then write the final
	// watermark. Everything behind the watermark has been handed to a
	// writer by the time the drain finishes.
	sched.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	subscriber.SaveCursor(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return runErr
}

// profileFetcher adapts the bluesky client to the router's lookup port.
type profileFetcher struct {
	client *bluesky.Client
}

func (p *profileFetcher) GetProfile(ctx context.Context, actor string) (*ingest.ProfileDetails, error) {
	profile, err := p.client.GetProfile(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &ingest.ProfileDetails{
		DID:            profile.DID,
		Handle:         profile.Handle,
		DisplayName:    profile.DisplayName,
		Description:    profile.Description,
		FollowersCount: profile.FollowersCount,
		FollowsCount:   profile.FollowsCount,
		PostsCount:     profile.PostsCount,
	}, nil
}
