package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"driftcast/internal/config"
	"driftcast/internal/session"
	"driftcast/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cfg   Config
	store *store.JSONStore
	snap  config.Snapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snap := config.Snapshot{
		HLSRoot:    t.TempDir(),
		ReplayRoot: t.TempDir(),
	}
	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "engine.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })
	return &fixture{
		cfg:   Config{Config: snap, Store: st, Logger: discardLogger()},
		store: st,
		snap:  snap,
	}
}

func (f *fixture) addOrphan(t *testing.T, permanent, saveReplay bool, state session.State, segments int) store.VideoRecord {
	t.Helper()
	id, err := store.GenerateID()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	started := time.Now().Add(-time.Hour)
	video := store.VideoRecord{
		ID:            id,
		Name:          "orphan",
		StreamKeyHash: store.HashStreamKey("key-" + id),
		Permanent:     permanent,
		SaveReplay:    saveReplay,
		LiveState:     string(state),
		IngestStarted: &started,
	}
	video, err = f.store.CreateVideo(context.Background(), video)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	dir := filepath.Join(f.snap.HLSRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < segments; i++ {
		name := filepath.Join(dir, "0-"+string(rune('0'+i))+".ts")
		if err := os.WriteFile(name, []byte("segment"), 0o644); err != nil {
			t.Fatalf("write segment: %v", err)
		}
	}
	if err := f.store.UpsertPlaylist(context.Background(), store.PlaylistRecord{
		VideoID:    id,
		MasterName: "master.m3u8",
	}); err != nil {
		t.Fatalf("upsert playlist: %v", err)
	}
	return video
}

func TestRunEndsOrphanedEphemeralSession(t *testing.T) {
	f := newFixture(t)
	video := f.addOrphan(t, false, false, session.StatePublishing, 2)

	if err := Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.LiveState != string(session.StateEnded) {
		t.Fatalf("expected ended, got %q", stored.LiveState)
	}
	if stored.IngestEnded == nil {
		t.Fatal("ingest end time not stamped")
	}
	if _, err := os.Stat(filepath.Join(f.snap.HLSRoot, video.ID)); !os.IsNotExist(err) {
		t.Fatalf("live directory should be removed, got %v", err)
	}
	if _, err := f.store.GetPlaylist(context.Background(), video.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("playlist record should be removed, got %v", err)
	}
}

func TestRunParksPermanentSessionInWaiting(t *testing.T) {
	f := newFixture(t)
	video := f.addOrphan(t, true, false, session.StateIngesting, 1)

	if err := Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.LiveState != string(session.StateWaiting) {
		t.Fatalf("expected waiting, got %q", stored.LiveState)
	}
	// The permanent video keeps its playlist record for the next cycle.
	if _, err := f.store.GetPlaylist(context.Background(), video.ID); err != nil {
		t.Fatalf("playlist record should survive, got %v", err)
	}
}

func TestRunFinalizesReplayForOrphanedReplaySession(t *testing.T) {
	f := newFixture(t)
	restart := time.Now()
	video := f.addOrphan(t, false, true, session.StatePublishing, 3)

	if err := Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	replays, err := f.store.ListReplays(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("list replays: %v", err)
	}
	if len(replays) != 1 {
		t.Fatalf("expected one replay, got %d", len(replays))
	}
	replay := replays[0]
	if len(replay.Files) != 3 {
		t.Fatalf("expected 3 replay files, got %d", len(replay.Files))
	}
	if !replay.EndedAt.After(restart) {
		t.Fatalf("replay end %v not after restart %v", replay.EndedAt, restart)
	}
	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.LiveState != string(session.StateEnded) {
		t.Fatalf("expected ended, got %q", stored.LiveState)
	}
}

func TestRunIgnoresHealthyStates(t *testing.T) {
	f := newFixture(t)
	video := f.addOrphan(t, false, false, session.StateEnded, 0)

	if err := Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.IngestEnded != nil {
		t.Fatal("healthy video should be untouched")
	}
}
