package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"driftcast/internal/playlist"
)

// FFmpegConfig configures the default worker launcher.
type FFmpegConfig struct {
	Path            string
	Input           string
	SegmentDuration int
	Logger          *slog.Logger
}

// NewFFmpegStarter returns a StartFunc that runs one ffmpeg process per
// rendition, writing segment files under the session directory with the
// worker naming scheme.
func NewFFmpegStarter(cfg FFmpegConfig) StartFunc {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(ctx context.Context, job TranscodeJob, dir string) (Process, error) {
		args := buildWorkerArgs(cfg.Input, dir, cfg.SegmentDuration, job)
		procCtx, cancel := context.WithCancel(context.Background())
		cmd := exec.CommandContext(procCtx, cfg.Path, args...)
		cmd.Stdout = newLogWriter(cfg.Logger, job.RenditionIndex, "stdout")
		cmd.Stderr = newLogWriter(cfg.Logger, job.RenditionIndex, "stderr")
		if err := cmd.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("start ffmpeg: %w", err)
		}
		proc := &ffmpegProcess{cancel: cancel, done: make(chan struct{})}
		go func() {
			proc.err = cmd.Wait()
			cancel()
			close(proc.done)
		}()
		go func() {
			<-ctx.Done()
			cancel()
		}()
		return proc, nil
	}
}

type ffmpegProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Stop() { p.cancel() }

// Err is only meaningful once Done is closed.
func (p *ffmpegProcess) Err() error { return p.err }

func buildWorkerArgs(input, dir string, segmentDuration int, job TranscodeJob) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-i", input,
	}
	if job.Copy {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	} else {
		args = append(args,
			"-vf", fmt.Sprintf("scale=-2:%d", job.Height),
			"-r", strconv.FormatFloat(job.FPS, 'f', -1, 64),
			"-c:v", "libx264",
			"-b:v", strconv.FormatInt(job.Bitrate, 10),
			"-maxrate", strconv.FormatInt(job.Bitrate, 10),
			"-preset", "veryfast",
			"-c:a", "aac",
		)
	}
	pattern := strings.Replace(
		playlist.SegmentName(job.RenditionIndex, 0),
		fmt.Sprintf("%09d", 0),
		"%09d",
		1,
	)
	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentDuration),
		"-segment_format", "mpegts",
		filepath.ToSlash(filepath.Join(dir, pattern)),
	)
	return args
}

type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger, renditionIndex int, stream string) *logWriter {
	return &logWriter{logger: logger.With("rendition", renditionIndex, "stream", stream)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			w.logger.Debug(string(line))
		}
	}
	return total, nil
}
