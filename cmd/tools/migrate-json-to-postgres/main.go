// Command migrate-json-to-postgres copies a JSON datastore into Postgres so
// a single-node engine can move to a shared metadata store.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"driftcast/internal/store"
)

func main() {
	jsonPath := flag.String("json", "driftcast-data.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DRIFTCAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, DRIFTCAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	source, err := store.NewJSONStore(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err, "path", *jsonPath)
		os.Exit(1)
	}
	export, err := source.Export(ctx)
	if err != nil {
		logger.Error("failed to export JSON datastore", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON datastore",
		"path", *jsonPath,
		"videos", len(export.Videos),
		"playlists", len(export.Playlists),
		"replays", len(export.Replays))

	dest, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: dsn, ApplicationName: "driftcast-migrate"})
	if err != nil {
		logger.Error("failed to open postgres store", "error", err)
		os.Exit(1)
	}
	defer dest.Close(context.Background())

	if err := importExport(ctx, dest, export); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete")
}

func importExport(ctx context.Context, dest store.Store, export store.Export) error {
	for _, video := range export.Videos {
		if _, err := dest.CreateVideo(ctx, video); err != nil {
			if isDuplicate(err) {
				if err := dest.UpdateVideo(ctx, video); err != nil {
					return err
				}
				continue
			}
			return err
		}
	}
	for _, playlist := range export.Playlists {
		if err := dest.UpsertPlaylist(ctx, playlist); err != nil {
			return err
		}
	}
	for _, replay := range export.Replays {
		if _, err := dest.CreateReplay(ctx, replay); err != nil && !isDuplicate(err) {
			return err
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate")
}
