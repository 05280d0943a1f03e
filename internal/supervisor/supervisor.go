// Package supervisor launches and watches one encoding worker per target
// rendition, feeding completed segments to the playlist output and
// reporting per-worker results over channels.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"driftcast/internal/observability/metrics"
	"driftcast/internal/playlist"
	"driftcast/internal/queue"
)

// ErrWorkerAborted marks a worker crash before its first segment. The whole
// session is torn down in that case because the probe or configuration is
// assumed to be bad.
var ErrWorkerAborted = errors.New("worker crashed before first segment")

// TranscodeJob describes one rendition a worker must produce.
type TranscodeJob struct {
	RenditionIndex int
	Width          int
	Height         int
	FPS            float64
	Bitrate        int64
	VideoTag       string
	AudioTag       string
	Copy           bool
}

// Result is delivered once per worker when it terminates.
type Result struct {
	RenditionIndex int
	Segments       uint64
	Err            error
}

// Process is a running encoding worker.
type Process interface {
	Done() <-chan struct{}
	Err() error
	Stop()
}

// StartFunc launches the encoding process for one job, writing segment
// files into dir following the worker segment naming scheme.
type StartFunc func(ctx context.Context, job TranscodeJob, dir string) (Process, error)

// Config wires a Supervisor to its collaborators.
type Config struct {
	VideoID         string
	Output          *playlist.Output
	Queue           queue.Queue
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Start           StartFunc
	SegmentDuration int
	CadenceWindow   time.Duration
	PollInterval    time.Duration
	// IngestActive reports whether the source is still pushing data. A
	// cadence miss is fatal only once this turns false.
	IngestActive func() bool
}

// Supervisor runs the full set of workers for one live session.
type Supervisor struct {
	cfg     Config
	results chan Result

	mu        sync.Mutex
	jobs      []TranscodeJob
	dropped   map[int]bool
	firstSeg  chan struct{}
	firstOnce sync.Once
	stopped   bool
	workers   []Process
}

// New validates the configuration and prepares a supervisor. Run must be
// called to start the workers.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Output == nil {
		return nil, fmt.Errorf("playlist output is required")
	}
	if cfg.Start == nil {
		return nil, fmt.Errorf("worker start function is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 4
	}
	if cfg.CadenceWindow <= 0 {
		cfg.CadenceWindow = time.Duration(3*cfg.SegmentDuration) * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.IngestActive == nil {
		cfg.IngestActive = func() bool { return true }
	}
	return &Supervisor{
		cfg:      cfg,
		results:  make(chan Result, 16),
		dropped:  make(map[int]bool),
		firstSeg: make(chan struct{}),
	}, nil
}

// Results yields one Result per worker. The channel is closed once every
// worker has terminated.
func (s *Supervisor) Results() <-chan Result {
	return s.results
}

// Run starts one worker per job and blocks until all of them terminate. It
// returns a non-nil error when the session must be aborted: a worker crash
// before any segment exists cancels every other worker. A crash after
// segments were produced only drops that rendition from the master
// playlist.
func (s *Supervisor) Run(ctx context.Context, jobs []TranscodeJob) error {
	if len(jobs) == 0 {
		return fmt.Errorf("at least one transcode job is required")
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		group.Go(func() error {
			return s.runWorker(ctx, job)
		})
	}
	err := group.Wait()
	close(s.results)
	return err
}

// FirstSegment is closed once any worker has produced its first segment.
// The session manager uses it to move from ingesting to publishing.
func (s *Supervisor) FirstSegment() <-chan struct{} {
	return s.firstSeg
}

// WaitForSegment blocks until the given rendition has published the segment
// with the given sequence number, polling at the configured interval. The
// context bounds the wait.
func (s *Supervisor) WaitForSegment(ctx context.Context, renditionIndex int, seq uint64) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if s.cfg.Output.SegmentCount(renditionIndex) > seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for rendition %d segment %d: %w", renditionIndex, seq, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop requests termination of every running worker. Workers flush whatever
// segment files already exist before reporting their result.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	procs := make([]Process, len(s.workers))
	copy(procs, s.workers)
	s.mu.Unlock()
	for _, p := range procs {
		p.Stop()
	}
}

func (s *Supervisor) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) runWorker(ctx context.Context, job TranscodeJob) error {
	logger := s.cfg.Logger.With("rendition", job.RenditionIndex, "height", job.Height)

	proc, err := s.cfg.Start(ctx, job, s.cfg.Output.Dir())
	if err != nil {
		s.deliver(Result{RenditionIndex: job.RenditionIndex, Err: err})
		return fmt.Errorf("rendition %d: start worker: %w", job.RenditionIndex, err)
	}
	s.mu.Lock()
	if s.stopped {
		proc.Stop()
	}
	s.workers = append(s.workers, proc)
	s.mu.Unlock()

	var produced uint64
	lastSegment := time.Now()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		exited := false
		requested := false
		select {
		case <-ctx.Done():
			proc.Stop()
			<-proc.Done()
			exited = true
			requested = true
		case <-proc.Done():
			exited = true
			requested = s.stopRequested()
		case <-ticker.C:
		}

		n, err := s.collectSegments(ctx, job, exited)
		if err != nil {
			logger.Error("segment collection failed", "error", err)
		}
		if n > 0 {
			produced += n
			lastSegment = time.Now()
			s.firstOnce.Do(func() { close(s.firstSeg) })
		}

		if exited {
			return s.finishWorker(job, logger, proc.Err(), produced, requested)
		}

		if time.Since(lastSegment) > s.cfg.CadenceWindow {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.IncCadenceMiss()
			}
			if !s.cfg.IngestActive() {
				logger.Warn("segment cadence missed with ingest stopped, terminating worker")
				proc.Stop()
				<-proc.Done()
				n, err := s.collectSegments(ctx, job, true)
				if err != nil {
					logger.Error("final segment collection failed", "error", err)
				}
				produced += n
				return s.finishWorker(job, logger, fmt.Errorf("segment cadence missed after ingest stopped"), produced, false)
			}
			logger.Warn("segment cadence missed", "window", s.cfg.CadenceWindow)
			lastSegment = time.Now()
		}
	}
}

// finishWorker classifies a worker exit. A termination the supervisor asked
// for (Stop, or cancellation of the run context) is an orderly exit no matter
// what the process reports: real encoders die with a kill error when stopped,
// and that must not be read as a crash.
func (s *Supervisor) finishWorker(job TranscodeJob, logger *slog.Logger, procErr error, produced uint64, requested bool) error {
	if requested {
		if procErr != nil {
			logger.Debug("worker terminated on request", "segments", produced, "error", procErr)
		}
		s.deliver(Result{RenditionIndex: job.RenditionIndex, Segments: produced})
		return nil
	}
	if procErr != nil && produced == 0 {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncWorkerFailure("startup")
		}
		err := fmt.Errorf("rendition %d: %w: %v", job.RenditionIndex, ErrWorkerAborted, procErr)
		s.deliver(Result{RenditionIndex: job.RenditionIndex, Err: err})
		return err
	}
	if procErr != nil {
		// Already-produced segments stay valid. The rendition just stops
		// appearing in the master playlist from here on.
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncWorkerFailure("publishing")
		}
		logger.Warn("worker crashed after producing segments, dropping rendition",
			"segments", produced, "error", procErr)
		s.dropRendition(job.RenditionIndex)
		s.deliver(Result{RenditionIndex: job.RenditionIndex, Segments: produced, Err: procErr})
		return nil
	}
	s.deliver(Result{RenditionIndex: job.RenditionIndex, Segments: produced})
	return nil
}

// collectSegments publishes every completed worker segment. Segment n is
// complete once segment n+1 exists on disk, or unconditionally once the
// worker has exited and can no longer be mid-write.
func (s *Supervisor) collectSegments(ctx context.Context, job TranscodeJob, workerExited bool) (uint64, error) {
	var published uint64
	for {
		seq := s.cfg.Output.SegmentCount(job.RenditionIndex)
		name := playlist.SegmentName(job.RenditionIndex, seq)
		if _, err := os.Stat(s.segmentPath(name)); err != nil {
			if os.IsNotExist(err) {
				return published, nil
			}
			return published, err
		}
		if !workerExited {
			next := playlist.SegmentName(job.RenditionIndex, seq+1)
			if _, err := os.Stat(s.segmentPath(next)); err != nil {
				if os.IsNotExist(err) {
					return published, nil
				}
				return published, err
			}
		}
		alias, err := s.cfg.Output.AddSegment(job.RenditionIndex, seq, float64(s.cfg.SegmentDuration))
		if err != nil {
			return published, err
		}
		published++
		s.enqueueSegmentJobs(ctx, job.RenditionIndex, alias)
	}
}

func (s *Supervisor) segmentPath(name string) string {
	return filepath.Join(s.cfg.Output.Dir(), name)
}

func (s *Supervisor) enqueueSegmentJobs(ctx context.Context, renditionIndex int, alias string) {
	if s.cfg.Queue == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"rendition": renditionIndex,
		"segment":   alias,
	})
	if err != nil {
		return
	}
	for _, jobType := range []string{queue.JobSegmentHash, queue.JobWebseed} {
		job := queue.Job{Type: jobType, VideoID: s.cfg.VideoID, Payload: payload}
		if err := s.cfg.Queue.Enqueue(ctx, job); err != nil {
			s.cfg.Logger.Warn("segment job enqueue failed", "type", jobType, "error", err)
		}
	}
}

// dropRendition rewrites the master playlist without the crashed rendition.
func (s *Supervisor) dropRendition(renditionIndex int) {
	s.mu.Lock()
	s.dropped[renditionIndex] = true
	remaining := make([]playlist.Rendition, 0, len(s.jobs))
	for _, job := range s.jobs {
		if s.dropped[job.RenditionIndex] {
			continue
		}
		remaining = append(remaining, playlist.Rendition{
			Index:    job.RenditionIndex,
			Height:   job.Height,
			Width:    job.Width,
			FPS:      job.FPS,
			Bitrate:  job.Bitrate,
			VideoTag: job.VideoTag,
			AudioTag: job.AudioTag,
		})
	}
	s.mu.Unlock()
	if err := s.cfg.Output.WriteMaster(remaining); err != nil {
		s.cfg.Logger.Error("master playlist rewrite failed", "error", err)
	}
}

func (s *Supervisor) deliver(res Result) {
	select {
	case s.results <- res:
	default:
	}
}
