// Command backfill recomputes the hourly rollup table over a historical
// window, for repairing stats after downtime or a schema change. The server
// keeps recent hours fresh on its own; this reaches further back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/aggregate"
	"github.com/blackmichael/bluesky-analytics/internal/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		databaseURL string
		window      time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", envOrDefault("DATABASE_URL", ""), "Postgres connection string")
	flag.DurationVar(&window, "window", 7*24*time.Hour, "how far back to recompute (e.g. 168h)")
	flag.Parse()

	if databaseURL == "" {
		return fmt.Errorf("--database-url is required (or set DATABASE_URL)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	repo, err := postgres.NewRepository(databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}

	fmt.Printf("Recomputing hourly stats over the last %s...\n", window)
	agg := aggregate.New(repo, 0, window, logger)
	if err := agg.RunOnce(ctx, window); err != nil {
		return err
	}
	fmt.Println("Done.")

	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
