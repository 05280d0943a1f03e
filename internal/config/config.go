// Package config loads the engine configuration from the environment and
// exposes it as an immutable snapshot. Components receive a Snapshot at
// session start instead of reading ambient configuration, so a live session
// keeps the settings it was started with even if the environment changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Context selects which resolution ladder applies.
type Context string

const (
	ContextVOD  Context = "vod"
	ContextLive Context = "live"
)

// FPSSettings holds the frame-rate thresholds used by the decision engine.
type FPSSettings struct {
	Min        int
	Max        int
	Average    int
	KeepOrigin int
	Standard   []int
	HDStandard []int
}

// Snapshot is an immutable view of the engine configuration. It is captured
// once per session and passed explicitly to the decision engine and the
// supervisor.
type Snapshot struct {
	// Profile names the encoding profile. Quick transcode requires "default".
	Profile string

	TranscodingEnabled bool

	// Resolutions maps a target height to whether it is enabled, per context.
	LiveResolutions map[int]bool
	VODResolutions  map[int]bool

	FPS FPSSettings

	// MaxDuration bounds a live session's wall-clock length. Zero disables
	// the limit.
	MaxDuration time.Duration

	AllowPermanent bool
	AllowReplay    bool

	SegmentDuration time.Duration
	SegmentWindow   time.Duration

	HLSRoot    string
	ReplayRoot string

	ListenAddr   string
	LogLevel     string
	LogFormat    string
	FFmpegPath   string
	FFprobePath  string
	DataFile     string
	PostgresDSN  string
	RedisAddr    string
	RedisStream  string
	RedisGroup   string
	QueueBackend string
}

// DefaultFPS mirrors the thresholds the decision engine was tuned with.
var DefaultFPS = FPSSettings{
	Min:        1,
	Max:        60,
	Average:    30,
	KeepOrigin: 720,
	Standard:   []int{24, 25, 30},
	HDStandard: []int{50, 60},
}

const envPrefix = "DRIFTCAST_"

// Load reads optional .env files and builds a Snapshot from the environment.
// Missing values fall back to defaults suitable for a single-node deployment.
func Load(paths ...string) (Snapshot, error) {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			return Snapshot{}, fmt.Errorf("load env file: %w", err)
		}
	} else {
		// Best effort: a missing .env is not an error.
		_ = godotenv.Load()
	}

	snap := Snapshot{
		Profile:            getEnv("PROFILE", "default"),
		TranscodingEnabled: getEnvBool("TRANSCODING_ENABLED", true),
		LiveResolutions:    parseResolutions(getEnv("LIVE_RESOLUTIONS", "240p,360p,480p,720p")),
		VODResolutions:     parseResolutions(getEnv("VOD_RESOLUTIONS", "240p,360p,480p,720p,1080p")),
		FPS: FPSSettings{
			Min:        getEnvInt("FPS_MIN", DefaultFPS.Min),
			Max:        getEnvInt("FPS_MAX", DefaultFPS.Max),
			Average:    getEnvInt("FPS_AVERAGE", DefaultFPS.Average),
			KeepOrigin: getEnvInt("FPS_KEEP_ORIGIN_MIN", DefaultFPS.KeepOrigin),
			Standard:   append([]int(nil), DefaultFPS.Standard...),
			HDStandard: append([]int(nil), DefaultFPS.HDStandard...),
		},
		MaxDuration:     getEnvDuration("MAX_LIVE_DURATION", 0),
		AllowPermanent:  getEnvBool("ALLOW_PERMANENT_LIVE", true),
		AllowReplay:     getEnvBool("ALLOW_REPLAY", true),
		SegmentDuration: getEnvDuration("SEGMENT_DURATION", 4*time.Second),
		SegmentWindow:   getEnvDuration("SEGMENT_WINDOW", 12*time.Second),
		HLSRoot:         getEnv("HLS_ROOT", "streaming-playlists/hls"),
		ReplayRoot:      getEnv("REPLAY_ROOT", "streaming-playlists/replay"),
		ListenAddr:      getEnv("ADDR", ":9010"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		FFmpegPath:      getEnv("FFMPEG", "ffmpeg"),
		FFprobePath:     getEnv("FFPROBE", "ffprobe"),
		DataFile:        getEnv("DATA", "driftcast-data.json"),
		PostgresDSN:     getEnv("POSTGRES_DSN", ""),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisStream:     getEnv("REDIS_STREAM", "driftcast:jobs"),
		RedisGroup:      getEnv("REDIS_GROUP", "segment-workers"),
		QueueBackend:    getEnv("QUEUE", "memory"),
	}

	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Validate rejects snapshots whose thresholds cannot produce a working
// session.
func (s Snapshot) Validate() error {
	if s.FPS.Min <= 0 {
		return fmt.Errorf("fps minimum must be positive, got %d", s.FPS.Min)
	}
	if s.FPS.Max < s.FPS.Min {
		return fmt.Errorf("fps maximum %d is below minimum %d", s.FPS.Max, s.FPS.Min)
	}
	if len(s.FPS.Standard) == 0 || len(s.FPS.HDStandard) == 0 {
		return fmt.Errorf("standard fps sets must not be empty")
	}
	if s.SegmentDuration <= 0 {
		return fmt.Errorf("segment duration must be positive")
	}
	if s.SegmentWindow < s.SegmentDuration {
		return fmt.Errorf("segment window %s is shorter than segment duration %s", s.SegmentWindow, s.SegmentDuration)
	}
	return nil
}

// Resolutions returns the enabled-resolution map for the given context.
func (s Snapshot) Resolutions(ctx Context) map[int]bool {
	if ctx == ContextVOD {
		return s.VODResolutions
	}
	return s.LiveResolutions
}

// knownHeights lists every resolution the engine can target.
var knownHeights = []int{0, 144, 240, 360, 480, 720, 1080, 1440, 2160}

func parseResolutions(raw string) map[int]bool {
	enabled := make(map[int]bool, len(knownHeights))
	for _, h := range knownHeights {
		enabled[h] = false
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "4k" {
			enabled[2160] = true
			continue
		}
		part = strings.TrimSuffix(part, "p")
		if h, err := strconv.Atoi(part); err == nil {
			if _, known := enabled[h]; known {
				enabled[h] = true
			}
		}
	}
	return enabled
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
