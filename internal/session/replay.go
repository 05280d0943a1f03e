package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"driftcast/internal/store"
)

// FinalizeReplay persists whatever segments and playlists exist in the live
// directory as a replay record. It is called from the normal session
// teardown and from startup recovery, so it must cope with a partially
// written live directory.
func FinalizeReplay(ctx context.Context, st store.Store, logger *slog.Logger, videoID, liveDir, replayRoot string, startedAt, endedAt time.Time) (store.ReplayRecord, error) {
	if replayRoot == "" {
		return store.ReplayRecord{}, fmt.Errorf("replay root is not configured")
	}
	replayID := uuid.NewString()
	dest := filepath.Join(replayRoot, videoID, replayID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return store.ReplayRecord{}, fmt.Errorf("create replay directory: %w", err)
	}

	entries, err := os.ReadDir(liveDir)
	if err != nil {
		return store.ReplayRecord{}, fmt.Errorf("read live directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := copyFile(filepath.Join(liveDir, name), filepath.Join(dest, name)); err != nil {
			logger.Warn("replay file copy failed", "file", name, "error", err)
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		os.RemoveAll(dest)
		return store.ReplayRecord{}, fmt.Errorf("no segments to persist for video %s", videoID)
	}

	record := store.ReplayRecord{
		ID:        replayID,
		VideoID:   videoID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Files:     files,
	}
	saved, err := st.CreateReplay(ctx, record)
	if err != nil {
		os.RemoveAll(dest)
		return store.ReplayRecord{}, fmt.Errorf("persist replay: %w", err)
	}
	logger.Info("replay persisted", "replay_id", saved.ID, "files", len(files))
	return saved, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
