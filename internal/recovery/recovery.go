// Package recovery reconciles session state left behind by a crash or an
// unclean shutdown. It runs at startup, before the ingest listener accepts
// connections, so no new session can race the cleanup.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"driftcast/internal/config"
	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/session"
	"driftcast/internal/store"
)

// Config wires the coordinator to its collaborators.
type Config struct {
	Config      config.Snapshot
	Store       store.Store
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Parallelism int
}

// orphanStates are the live states a video can be stuck in after a crash.
var orphanStates = []string{
	string(session.StateIngesting),
	string(session.StatePublishing),
	string(session.StateEnding),
}

// Run reconciles every orphaned live session: permanent videos go back to
// waiting, replay-enabled videos get whatever segments survived persisted
// as a replay, and everything else is ended and cleaned up.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "recovery")
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}

	orphans, err := cfg.Store.ListVideosByState(ctx, orphanStates...)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		logger.Info("no orphaned sessions found")
		return nil
	}
	logger.Info("reconciling orphaned sessions", "count", len(orphans))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.Parallelism)
	for _, video := range orphans {
		video := video
		group.Go(func() error {
			return reconcile(ctx, cfg, logger.With("video_id", video.ID), video)
		})
	}
	return group.Wait()
}

func reconcile(ctx context.Context, cfg Config, logger *slog.Logger, video store.VideoRecord) error {
	liveDir := filepath.Join(cfg.Config.HLSRoot, video.ID)

	action := "ended"
	finalState := session.StateEnded
	switch {
	case video.Permanent:
		action = "waiting"
		finalState = session.StateWaiting
	case video.SaveReplay:
		action = "replay"
	}

	if !video.Permanent && video.SaveReplay {
		startedAt := video.CreatedAt
		if video.IngestStarted != nil {
			startedAt = *video.IngestStarted
		}
		// The stamped end time is taken now, after the restart, never
		// back-dated to the crash.
		endedAt := time.Now()
		if _, err := session.FinalizeReplay(ctx, cfg.Store, logger, video.ID, liveDir, cfg.Config.ReplayRoot, startedAt, endedAt); err != nil {
			logger.Warn("replay finalize failed during recovery", "error", err)
			action = "ended"
		}
	}

	if err := os.RemoveAll(liveDir); err != nil {
		logger.Warn("live directory cleanup failed", "error", err)
	}
	if !video.Permanent {
		if err := cfg.Store.DeletePlaylist(ctx, video.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("playlist record delete failed", "error", err)
		}
	}

	now := time.Now()
	video.LiveState = string(finalState)
	video.IngestEnded = &now
	if err := cfg.Store.UpdateVideo(ctx, video); err != nil {
		return err
	}

	if cfg.Metrics != nil {
		cfg.Metrics.IncRecovered(action)
	}
	logger.Info("session reconciled", "action", action)
	return nil
}
