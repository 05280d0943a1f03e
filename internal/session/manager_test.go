package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"driftcast/internal/config"
	"driftcast/internal/playlist"
	"driftcast/internal/probe"
	"driftcast/internal/queue"
	"driftcast/internal/store"
	"driftcast/internal/supervisor"
)

type fakeProber struct {
	result probe.StreamProbe
	err    error
}

func (f fakeProber) Probe(ctx context.Context, path string) (probe.StreamProbe, error) {
	return f.result, f.err
}

type fakeWorker struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) Err() error { return w.err }

func (w *fakeWorker) Stop() { w.exit(nil) }

func (w *fakeWorker) exit(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// segmentWriter returns a start factory whose workers write the given
// number of segments and exit cleanly.
func segmentWriter(t *testing.T, segments uint64) func(input string) supervisor.StartFunc {
	t.Helper()
	return func(input string) supervisor.StartFunc {
		return func(ctx context.Context, job supervisor.TranscodeJob, dir string) (supervisor.Process, error) {
			w := &fakeWorker{done: make(chan struct{})}
			go func() {
				for seq := uint64(0); seq < segments; seq++ {
					name := playlist.SegmentName(job.RenditionIndex, seq)
					if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
						w.exit(err)
						return
					}
				}
				w.exit(nil)
			}()
			return w, nil
		}
	}
}

type managerFixture struct {
	manager *Manager
	store   *store.JSONStore
	snap    config.Snapshot
}

func newManagerFixture(t *testing.T, mutate ...func(*ManagerConfig)) *managerFixture {
	t.Helper()
	snap := testSnapshot()
	snap.HLSRoot = t.TempDir()
	snap.ReplayRoot = t.TempDir()

	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "engine.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })

	cfg := ManagerConfig{
		Config:      snap,
		Store:       st,
		Logger:      discardLogger(),
		Prober:      fakeProber{result: sourceProbe()},
		StartWorker: segmentWriter(t, 2),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &managerFixture{manager: manager, store: st, snap: snap}
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestEphemeralSessionLifecycle(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "my stream", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if key == "" {
		t.Fatal("expected a stream key")
	}

	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	waitDone(t, sess)

	if got := sess.State(); got != StateEnded {
		t.Fatalf("expected ended, got %s", got)
	}
	stored, err := f.store.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.LiveState != string(StateEnded) {
		t.Fatalf("stored live state %q", stored.LiveState)
	}
	if stored.IngestEnded == nil {
		t.Fatal("ingest end time not stamped")
	}
	if _, err := f.store.GetPlaylist(ctx, video.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("playlist record should be deleted, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.snap.HLSRoot, video.ID)); !os.IsNotExist(err) {
		t.Fatalf("live directory should be deleted, got %v", err)
	}
	if _, ok := f.manager.Session(video.ID); ok {
		t.Fatal("ended ephemeral session should be dropped")
	}
}

func TestMaxDurationForcesSessionEnd(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.Config.MaxDuration = 200 * time.Millisecond
		// Workers write their segments and then run until stopped, so
		// only the duration cap can end the session.
		cfg.StartWorker = func(input string) supervisor.StartFunc {
			return func(ctx context.Context, job supervisor.TranscodeJob, dir string) (supervisor.Process, error) {
				w := &fakeWorker{done: make(chan struct{})}
				for seq := uint64(0); seq < 2; seq++ {
					name := playlist.SegmentName(job.RenditionIndex, seq)
					if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
						return nil, err
					}
				}
				return w, nil
			}
		}
	})
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "marathon", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	waitDone(t, sess)

	if got := sess.State(); got != StateEnded {
		t.Fatalf("expected ended, got %s", got)
	}
	stored, err := f.store.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.IngestEnded == nil {
		t.Fatal("ingest end time not stamped")
	}
}

func TestAcceptIngestRejections(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "locked", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}

	if _, err := f.manager.AcceptIngest(ctx, "not-a-key", "rtmp://in"); !errors.Is(err, ErrRejected) {
		t.Fatalf("unknown key should be rejected, got %v", err)
	}

	video.Blocked = true
	if err := f.store.UpdateVideo(ctx, video); err != nil {
		t.Fatalf("update video: %v", err)
	}
	if _, err := f.manager.AcceptIngest(ctx, key, "rtmp://in"); !errors.Is(err, ErrRejected) {
		t.Fatalf("blocked video should be rejected, got %v", err)
	}
}

func TestConcurrentIngestSerialized(t *testing.T) {
	release := make(chan struct{})
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.StartWorker = func(input string) supervisor.StartFunc {
			return func(ctx context.Context, job supervisor.TranscodeJob, dir string) (supervisor.Process, error) {
				w := &fakeWorker{done: make(chan struct{})}
				go func() {
					select {
					case <-release:
					case <-ctx.Done():
					}
					name := playlist.SegmentName(job.RenditionIndex, 0)
					os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644)
					w.exit(nil)
				}()
				return w, nil
			}
		}
	})
	ctx := context.Background()

	_, key, err := f.manager.CreateVideo(ctx, "busy", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := f.manager.AcceptIngest(ctx, key, "rtmp://in"); !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("second ingest should be rejected as already live, got %v", err)
	}
	close(release)
	waitDone(t, sess)
}

func TestReplaySessionPersistsReplay(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "keep me", KindEphemeralReplay)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	waitDone(t, sess)

	replays, err := f.store.ListReplays(ctx, video.ID)
	if err != nil {
		t.Fatalf("list replays: %v", err)
	}
	if len(replays) != 1 {
		t.Fatalf("expected one replay, got %d", len(replays))
	}
	replay := replays[0]
	if len(replay.Files) == 0 {
		t.Fatal("replay has no files")
	}
	if !replay.EndedAt.After(replay.StartedAt) {
		t.Fatalf("replay end %v not after start %v", replay.EndedAt, replay.StartedAt)
	}
	replayDir := filepath.Join(f.snap.ReplayRoot, video.ID, replay.ID)
	for _, name := range replay.Files {
		if _, err := os.Stat(filepath.Join(replayDir, name)); err != nil {
			t.Fatalf("replay file %s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(f.snap.HLSRoot, video.ID)); !os.IsNotExist(err) {
		t.Fatalf("live directory should still be deleted, got %v", err)
	}
}

func TestPermanentSessionCyclesToWaiting(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "always on", KindPermanent)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	waitDone(t, sess)

	if got := sess.State(); got != StateWaiting {
		t.Fatalf("permanent session should wait, got %s", got)
	}
	stored, err := f.store.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.LiveState != string(StateWaiting) {
		t.Fatalf("stored live state %q", stored.LiveState)
	}

	// A waiting permanent session accepts the next ingest.
	next, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	waitDone(t, next)
	if got := next.State(); got != StateWaiting {
		t.Fatalf("expected waiting after second cycle, got %s", got)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	started := make(chan struct{})
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.StartWorker = func(input string) supervisor.StartFunc {
			return func(ctx context.Context, job supervisor.TranscodeJob, dir string) (supervisor.Process, error) {
				w := &fakeWorker{done: make(chan struct{})}
				go func() {
					name := playlist.SegmentName(job.RenditionIndex, 0)
					os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644)
					if job.RenditionIndex == 0 {
						close(started)
					}
					<-ctx.Done()
					w.exit(nil)
				}()
				return w, nil
			}
		}
	})
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "short lived", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if _, err := f.manager.AcceptIngest(ctx, key, "rtmp://in"); err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	<-started

	if err := f.manager.Delete(ctx, video.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.store.GetVideo(ctx, video.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("video record should be gone, got %v", err)
	}
	if _, ok := f.manager.Session(video.ID); ok {
		t.Fatal("session should be dropped after delete")
	}
}

// slowProber stalls before answering, the way a real ffprobe does while the
// ingest buffers its first frames.
type slowProber struct {
	delay  time.Duration
	result probe.StreamProbe
}

func (p slowProber) Probe(ctx context.Context, path string) (probe.StreamProbe, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return probe.StreamProbe{}, ctx.Err()
	}
	return p.result, nil
}

func TestWaitForSegmentCoversStartupWindow(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.Prober = slowProber{delay: 150 * time.Millisecond, result: sourceProbe()}
	})
	ctx := context.Background()

	_, key, err := f.manager.CreateVideo(ctx, "warming up", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}

	// The workers do not exist yet; the wait must span the probe and plan
	// phase instead of failing immediately.
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sess.WaitForSegment(waitCtx, 0, 0); err != nil {
		t.Fatalf("wait for segment during startup: %v", err)
	}
	waitDone(t, sess)
}

func TestPublishingFlipCannotRegressTerminalState(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	video, _, err := f.manager.CreateVideo(ctx, "raced", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	video.LiveState = string(StateEnded)
	if err := f.store.UpdateVideo(ctx, video); err != nil {
		t.Fatalf("update video: %v", err)
	}

	// First segment lands just as teardown finishes: the late flip must
	// not resurrect an ended session.
	sess := &Session{ID: video.ID, Kind: KindEphemeral, state: StateEnded, done: make(chan struct{})}
	first := make(chan struct{})
	close(first)
	f.manager.watchPublishing(ctx, sess, first, discardLogger())

	if got := sess.State(); got != StateEnded {
		t.Fatalf("session state regressed to %s", got)
	}
	stored, err := f.store.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if stored.LiveState != string(StateEnded) {
		t.Fatalf("stored live state regressed to %q", stored.LiveState)
	}
}

func TestReplayPublishJobEnqueued(t *testing.T) {
	q := queue.NewMemoryQueue(64)
	defer q.Close()
	sub := q.Subscribe()
	defer sub.Close()
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.Queue = q
	})
	ctx := context.Background()

	video, key, err := f.manager.CreateVideo(ctx, "keep me", KindEphemeralReplay)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	waitDone(t, sess)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case job := <-sub.Jobs():
			if job.Type != queue.JobReplayPublish {
				continue
			}
			if job.VideoID != video.ID {
				t.Fatalf("replay publish for video %q, want %q", job.VideoID, video.ID)
			}
			return
		case <-deadline:
			t.Fatal("replay publish job never enqueued")
		}
	}
}

func TestProbeFailureAbortsSession(t *testing.T) {
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		cfg.Prober = fakeProber{err: probe.ErrProbeFailed}
	})
	ctx := context.Background()

	_, key, err := f.manager.CreateVideo(ctx, "bad input", KindEphemeral)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	sess, err := f.manager.AcceptIngest(ctx, key, "rtmp://in")
	if err != nil {
		t.Fatalf("accept ingest: %v", err)
	}
	waitDone(t, sess)
	if got := sess.State(); got != StateEnded {
		t.Fatalf("expected ended after probe failure, got %s", got)
	}
}
