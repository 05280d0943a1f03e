package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"driftcast/internal/config"
	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/playlist"
	"driftcast/internal/probe"
	"driftcast/internal/queue"
	"driftcast/internal/store"
	"driftcast/internal/supervisor"
)

var (
	// ErrRejected wraps every ingest rejection.
	ErrRejected = errors.New("ingest rejected")
	// ErrAlreadyLive is returned when the video already has an active ingest.
	ErrAlreadyLive = fmt.Errorf("%w: already live", ErrRejected)
)

// Session is one live run of a video, from accepted ingest to teardown.
type Session struct {
	ID   string
	Kind Kind

	// transMu orders state transitions together with their store writes, so
	// a late publishing flip cannot overwrite a persisted terminal state.
	transMu sync.Mutex

	mu        sync.Mutex
	state     State
	startedAt time.Time
	output    *playlist.Output
	sup       *supervisor.Supervisor
	cancel    context.CancelFunc
	ingestOn  bool
	done      chan struct{}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// compareAndSetState transitions from one state to another only when the
// session is still in the expected state.
func (s *Session) compareAndSetState(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Done is closed once the session has fully terminated, meaning every
// worker has exited and cleanup has run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IngestActive reports whether the source is still connected.
func (s *Session) IngestActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestOn
}

// WaitForSegment blocks until the rendition has published the given
// sequence number, bounded by the context. Callers may ask before the
// workers are up; the wait then covers the probe and plan phase too.
func (s *Session) WaitForSegment(ctx context.Context, renditionIndex int, seq uint64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		sup := s.sup
		s.mu.Unlock()
		if sup != nil {
			return sup.WaitForSegment(ctx, renditionIndex, seq)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for rendition %d segment %d: %w", renditionIndex, seq, ctx.Err())
		case <-s.done:
			return fmt.Errorf("session %s ended before publishing", s.ID)
		case <-ticker.C:
		}
	}
}

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	Config  config.Snapshot
	Store   store.Store
	Queue   queue.Queue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Prober  probe.Prober
	// StartWorker builds the per-session worker launcher from the ingest
	// input. Tests inject fakes here; the default runs ffmpeg.
	StartWorker func(input string) supervisor.StartFunc
}

// Manager is the single source of truth for live-session state. All state
// transitions happen under its lock, so concurrent ingest attempts on the
// same video are serialized and at most one wins.
type Manager struct {
	cfg         config.Snapshot
	store       store.Store
	queue       queue.Queue
	metrics     *metrics.Metrics
	logger      *slog.Logger
	prober      probe.Prober
	startWorker func(input string) supervisor.StartFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates the wiring and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartWorker == nil {
		cfg.StartWorker = func(input string) supervisor.StartFunc {
			return supervisor.NewFFmpegStarter(supervisor.FFmpegConfig{
				Path:            cfg.Config.FFmpegPath,
				Input:           input,
				SegmentDuration: int(cfg.Config.SegmentDuration.Seconds()),
				Logger:          cfg.Logger,
			})
		}
	}
	return &Manager{
		cfg:         cfg.Config,
		store:       cfg.Store,
		queue:       cfg.Queue,
		metrics:     cfg.Metrics,
		logger:      logging.WithComponent(cfg.Logger, "session"),
		prober:      cfg.Prober,
		startWorker: cfg.StartWorker,
		sessions:    make(map[string]*Session),
	}, nil
}

// CreateVideo registers a new live video and returns its record together
// with the plaintext stream key. The key is never stored.
func (m *Manager) CreateVideo(ctx context.Context, name string, kind Kind) (store.VideoRecord, string, error) {
	if kind.Permanent() && !m.cfg.AllowPermanent {
		return store.VideoRecord{}, "", fmt.Errorf("permanent live sessions are disabled")
	}
	if kind.SavesReplay() && !m.cfg.AllowReplay {
		return store.VideoRecord{}, "", fmt.Errorf("replay persistence is disabled")
	}
	key, err := store.GenerateStreamKey()
	if err != nil {
		return store.VideoRecord{}, "", err
	}
	id, err := store.GenerateID()
	if err != nil {
		return store.VideoRecord{}, "", err
	}
	record := store.VideoRecord{
		ID:            id,
		Name:          name,
		StreamKeyHash: store.HashStreamKey(key),
		Permanent:     kind.Permanent(),
		SaveReplay:    kind.SavesReplay(),
		LiveState:     string(StateCreated),
	}
	saved, err := m.store.CreateVideo(ctx, record)
	if err != nil {
		return store.VideoRecord{}, "", err
	}
	return saved, key, nil
}

// VideoByStreamKey resolves a stream key to its video record. The key must
// match exactly.
func (m *Manager) VideoByStreamKey(ctx context.Context, streamKey string) (store.VideoRecord, error) {
	video, err := m.store.FindVideoByStreamKeyHash(ctx, store.HashStreamKey(streamKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.VideoRecord{}, m.reject("unknown_key", "no video matches the stream key")
		}
		return store.VideoRecord{}, err
	}
	if !store.VerifyStreamKey(video.StreamKeyHash, streamKey) {
		return store.VideoRecord{}, m.reject("bad_key", "stream key mismatch")
	}
	return video, nil
}

// AcceptIngest admits a new ingest identified by its stream key. The key
// must match exactly; a blocked or unknown video or a second concurrent
// ingest on the same video is rejected.
func (m *Manager) AcceptIngest(ctx context.Context, streamKey, input string) (*Session, error) {
	video, err := m.VideoByStreamKey(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	if video.Blocked {
		return nil, m.reject("blocked", "video is blocked")
	}

	kind := KindOf(video.Permanent, video.SaveReplay)
	logger := m.logger.With("video_id", video.ID, "kind", kind.String())

	m.mu.Lock()
	if existing, ok := m.sessions[video.ID]; ok {
		state := existing.State()
		if state != StateWaiting && state != StateEnded {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: video %s", ErrAlreadyLive, video.ID)
		}
	}
	now := time.Now()
	sess := &Session{
		ID:        video.ID,
		Kind:      kind,
		state:     StateIngesting,
		startedAt: now,
		ingestOn:  true,
		done:      make(chan struct{}),
	}
	m.sessions[video.ID] = sess
	active := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveSessions(active)
	}

	video.LiveState = string(StateIngesting)
	video.IngestStarted = &now
	video.IngestEnded = nil
	if err := m.store.UpdateVideo(ctx, video); err != nil {
		m.dropSession(video.ID)
		return nil, fmt.Errorf("persist ingest start: %w", err)
	}

	go m.run(sess, input, logger)
	logger.Info("ingest accepted")
	return sess, nil
}

// Disconnect signals that the source for a video has stopped pushing data.
// Workers flush and terminate; the session ends or goes back to waiting
// depending on its kind.
func (m *Manager) Disconnect(videoID string) {
	m.mu.Lock()
	sess, ok := m.sessions[videoID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.ingestOn = false
	sup := sess.sup
	cancel := sess.cancel
	sess.mu.Unlock()
	if sup != nil {
		sup.Stop()
	} else if cancel != nil {
		cancel()
	}
}

// Delete tears the session down from any state and removes the video
// record. Worker termination is bounded but not instantaneous.
func (m *Manager) Delete(ctx context.Context, videoID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[videoID]
	m.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.ingestOn = false
		if sess.cancel != nil {
			sess.cancel()
		}
		sess.mu.Unlock()
		select {
		case <-sess.Done():
		case <-time.After(30 * time.Second):
			m.logger.Warn("session teardown timed out during delete", "video_id", videoID)
		case <-ctx.Done():
			return ctx.Err()
		}
		m.dropSession(videoID)
	}
	if err := m.store.DeleteVideo(ctx, videoID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Session returns the live session for a video, if one exists.
func (m *Manager) Session(videoID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[videoID]
	return sess, ok
}

// Shutdown stops every active session and waits for their teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		m.Disconnect(sess.ID)
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) run(sess *Session, input string, logger *slog.Logger) {
	defer close(sess.done)

	var ctx context.Context
	var cancel context.CancelFunc
	if m.cfg.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.cfg.MaxDuration)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()

	ctx = logging.ContextWithVideoID(ctx, sess.ID)

	probeResult, err := m.prober.Probe(ctx, input)
	if err != nil {
		m.abort(sess, logger, fmt.Errorf("probe ingest: %w", err))
		return
	}
	plan, err := BuildPlan(m.cfg, probeResult, logger)
	if err != nil {
		m.abort(sess, logger, err)
		return
	}
	if m.metrics != nil {
		outcome := "accepted"
		if !plan.QuickTranscode {
			outcome = plan.RejectionRule
		}
		m.metrics.IncQuickTranscode(outcome)
	}
	logger.Info("transcode plan built",
		"quick_transcode", plan.QuickTranscode,
		"renditions", len(plan.Jobs))

	output, err := playlist.NewOutput(playlist.Config{
		Root:            m.cfg.HLSRoot,
		VideoID:         sess.ID,
		SegmentDuration: int(m.cfg.SegmentDuration.Seconds()),
		Logger:          logger,
		Metrics:         m.metrics,
	})
	if err != nil {
		m.abort(sess, logger, err)
		return
	}
	if err := output.WriteMaster(plan.Renditions); err != nil {
		m.abort(sess, logger, err)
		return
	}
	if err := m.persistPlaylist(ctx, sess.ID, output, plan); err != nil {
		logger.Warn("playlist record persist failed", "error", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		VideoID:         sess.ID,
		Output:          output,
		Queue:           m.queue,
		Metrics:         m.metrics,
		Logger:          logger,
		Start:           m.startWorker(input),
		SegmentDuration: int(m.cfg.SegmentDuration.Seconds()),
		IngestActive:    sess.IngestActive,
	})
	if err != nil {
		m.abort(sess, logger, err)
		return
	}
	sess.mu.Lock()
	sess.output = output
	sess.sup = sup
	sess.mu.Unlock()

	go m.watchPublishing(ctx, sess, sup.FirstSegment(), logger)

	runErr := sup.Run(ctx, plan.Jobs)
	if runErr != nil {
		logger.Error("session aborted", "error", runErr)
	}
	m.finish(sess, output, logger)
}

// watchPublishing flips the session to publishing once the first segment
// lands. The transition only applies while the session is still ingesting;
// a session that already began teardown keeps its state.
func (m *Manager) watchPublishing(ctx context.Context, sess *Session, firstSegment <-chan struct{}, logger *slog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-firstSegment:
	}
	sess.transMu.Lock()
	defer sess.transMu.Unlock()
	if !sess.compareAndSetState(StateIngesting, StatePublishing) {
		return
	}
	m.persistState(sess.ID, StatePublishing)
	logger.Info("session publishing")
}

func (m *Manager) persistPlaylist(ctx context.Context, videoID string, output *playlist.Output, plan Plan) error {
	record := store.PlaylistRecord{
		VideoID:      videoID,
		MasterName:   output.MasterName(),
		ManifestName: output.ManifestName(),
	}
	for _, r := range plan.Renditions {
		record.Renditions = append(record.Renditions, store.RenditionRecord{
			Index:    r.Index,
			Height:   r.Height,
			FPS:      r.FPS,
			Bitrate:  r.Bitrate,
			VideoTag: r.VideoTag,
			AudioTag: r.AudioTag,
		})
	}
	return m.store.UpsertPlaylist(ctx, record)
}

// abort ends a session that never reached publishing.
func (m *Manager) abort(sess *Session, logger *slog.Logger, cause error) {
	logger.Error("session aborted before publishing", "error", cause)
	if m.metrics != nil {
		m.metrics.IncWorkerFailure("setup")
	}
	sess.mu.Lock()
	output := sess.output
	sess.mu.Unlock()
	m.finish(sess, output, logger)
}

// finish runs the common teardown: seal playlists, persist a replay when
// the kind asks for one, clean the live directory, and either end the
// session or park it back in waiting.
func (m *Manager) finish(sess *Session, output *playlist.Output, logger *slog.Logger) {
	sess.transMu.Lock()
	sess.setState(StateEnding)
	m.persistState(sess.ID, StateEnding)
	sess.transMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if output != nil {
		if err := output.Seal(); err != nil {
			logger.Warn("playlist seal failed", "error", err)
		}
		if sess.Kind.SavesReplay() {
			replay, err := FinalizeReplay(ctx, m.store, logger, sess.ID, output.Dir(), m.cfg.ReplayRoot, sess.startedAt, time.Now())
			if err != nil {
				logger.Warn("replay finalize failed", "error", err)
			} else {
				m.enqueueReplayPublish(ctx, replay, logger)
			}
		}
		if err := output.Cleanup(); err != nil {
			logger.Warn("live directory cleanup failed", "error", err)
		}
	}

	final := StateEnded
	if sess.Kind.Permanent() {
		final = StateWaiting
	} else {
		if err := m.store.DeletePlaylist(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("playlist record delete failed", "error", err)
		}
	}
	sess.transMu.Lock()
	sess.setState(final)
	m.persistEnd(sess.ID, final)
	sess.transMu.Unlock()

	if !sess.Kind.Permanent() {
		m.dropSession(sess.ID)
	}
	if m.metrics != nil {
		m.metrics.IncSessionsEnded()
	}
	logger.Info("session finished", "state", string(final))
}

// enqueueReplayPublish hands a freshly persisted replay to the job queue so
// downstream consumers can publish it.
func (m *Manager) enqueueReplayPublish(ctx context.Context, replay store.ReplayRecord, logger *slog.Logger) {
	if m.queue == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"replay": replay.ID,
		"files":  len(replay.Files),
	})
	if err != nil {
		return
	}
	job := queue.Job{Type: queue.JobReplayPublish, VideoID: replay.VideoID, Payload: payload}
	if err := m.queue.Enqueue(ctx, job); err != nil {
		logger.Warn("replay publish enqueue failed", "error", err)
	}
}

func (m *Manager) persistState(videoID string, state State) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	video, err := m.store.GetVideo(ctx, videoID)
	if err != nil {
		return
	}
	video.LiveState = string(state)
	if err := m.store.UpdateVideo(ctx, video); err != nil {
		m.logger.Warn("live state persist failed", "video_id", videoID, "error", err)
	}
}

func (m *Manager) persistEnd(videoID string, state State) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	video, err := m.store.GetVideo(ctx, videoID)
	if err != nil {
		return
	}
	now := time.Now()
	video.LiveState = string(state)
	video.IngestEnded = &now
	if err := m.store.UpdateVideo(ctx, video); err != nil {
		m.logger.Warn("live state persist failed", "video_id", videoID, "error", err)
	}
}

func (m *Manager) dropSession(videoID string) {
	m.mu.Lock()
	delete(m.sessions, videoID)
	active := len(m.sessions)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetActiveSessions(active)
	}
}

func (m *Manager) reject(reason, detail string) error {
	if m.metrics != nil {
		m.metrics.IncIngestRejection(reason)
	}
	return fmt.Errorf("%w: %s", ErrRejected, detail)
}
