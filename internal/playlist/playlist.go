// Package playlist assembles HLS output for a live session: per-rendition
// sub-playlists, a master playlist with variant bitrates, and a SHA-256
// manifest covering every published segment.
package playlist

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/grafov/m3u8"

	"driftcast/internal/observability/metrics"
)

const (
	segmentCapacity = 1 << 16
	segmentExt      = ".ts"
)

// Rendition describes one output variant of the master playlist.
type Rendition struct {
	Index    int
	Height   int
	Width    int
	FPS      float64
	Bitrate  int64
	VideoTag string
	AudioTag string
}

// Config controls where and how a session's playlists are written.
type Config struct {
	Root            string
	VideoID         string
	SegmentDuration int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Output owns the on-disk HLS layout for one live session. The master
// playlist and the segment manifest get randomized base names so playback
// URLs cannot be guessed from the video identifier alone.
type Output struct {
	dir             string
	masterName      string
	manifestName    string
	segmentDuration int
	logger          *slog.Logger
	metrics         *metrics.Metrics

	mu      sync.Mutex
	subs    map[int]*m3u8.MediaPlaylist
	nextSeq map[int]uint64
	hashes  map[string]string
	aliases map[string]string
	sealed  bool
}

// NewOutput prepares the session directory under root and picks randomized
// names for the master playlist and the segment manifest.
func NewOutput(cfg Config) (*Output, error) {
	if cfg.VideoID == "" {
		return nil, fmt.Errorf("video id is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("output root is required")
	}
	dir := filepath.Join(cfg.Root, cfg.VideoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	duration := cfg.SegmentDuration
	if duration <= 0 {
		duration = 4
	}
	return &Output{
		dir:             dir,
		masterName:      "master-" + randomBaseName() + ".m3u8",
		manifestName:    "segments-sha256-" + randomBaseName() + ".json",
		segmentDuration: duration,
		logger:          logger,
		metrics:         cfg.Metrics,
		subs:            make(map[int]*m3u8.MediaPlaylist),
		nextSeq:         make(map[int]uint64),
		hashes:          make(map[string]string),
		aliases:         make(map[string]string),
	}, nil
}

// Dir returns the session output directory.
func (o *Output) Dir() string { return o.dir }

// MasterName returns the randomized master playlist basename.
func (o *Output) MasterName() string { return o.masterName }

// ManifestName returns the randomized segment manifest basename.
func (o *Output) ManifestName() string { return o.manifestName }

// SubPlaylistName returns the basename of a rendition's sub-playlist.
func SubPlaylistName(renditionIndex int) string {
	return fmt.Sprintf("%d.m3u8", renditionIndex)
}

// SegmentName returns the filename a worker writes for a given rendition
// and sequence number.
func SegmentName(renditionIndex int, seq uint64) string {
	return fmt.Sprintf("%d-%09d%s", renditionIndex, seq, segmentExt)
}

// WriteMaster renders the master playlist listing the given renditions. It
// is written once the decision output is known and rewritten whenever a
// rendition drops out.
func (o *Output) WriteMaster(renditions []Rendition) error {
	master := m3u8.NewMasterPlaylist()
	master.SetIndependentSegments(true)
	for _, r := range renditions {
		params := m3u8.VariantParams{
			Bandwidth:  uint32(r.Bitrate),
			Resolution: fmt.Sprintf("%dx%d", r.Width, r.Height),
			FrameRate:  r.FPS,
		}
		if r.VideoTag != "" {
			params.Codecs = r.VideoTag
			if r.AudioTag != "" {
				params.Codecs = r.VideoTag + "," + r.AudioTag
			}
		} else if r.AudioTag != "" {
			params.Codecs = r.AudioTag
		}
		master.Append(SubPlaylistName(r.Index), nil, params)
	}
	return o.writeFileAtomic(o.masterName, master.Encode().Bytes())
}

// AddSegment publishes a fully written segment file: the file is renamed to
// a randomized public alias, hashed, recorded in the manifest, and appended
// to its rendition's sub-playlist. The manifest is updated before the
// sub-playlist so a reader following the playlist always finds a matching
// manifest entry. Sequence numbers must be contiguous per rendition.
func (o *Output) AddSegment(renditionIndex int, seq uint64, duration float64) (string, error) {
	name := SegmentName(renditionIndex, seq)
	path := filepath.Join(o.dir, name)

	sum, err := hashFile(path)
	if err != nil {
		return "", fmt.Errorf("hash segment %s: %w", name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return "", fmt.Errorf("session playlists already sealed")
	}
	if want := o.nextSeq[renditionIndex]; seq != want {
		return "", fmt.Errorf("rendition %d: segment %d out of order, want %d", renditionIndex, seq, want)
	}

	// The public alias never embeds the sequence counter or anything
	// derived from the session, only the rendition index.
	alias := fmt.Sprintf("%d-%s%s", renditionIndex, randomBaseName(), segmentExt)
	if err := os.Rename(path, filepath.Join(o.dir, alias)); err != nil {
		return "", fmt.Errorf("publish segment %s: %w", name, err)
	}

	o.hashes[alias] = sum
	if err := o.persistManifestLocked(); err != nil {
		delete(o.hashes, alias)
		return "", err
	}

	sub, err := o.subLocked(renditionIndex)
	if err != nil {
		return "", err
	}
	if duration <= 0 {
		duration = float64(o.segmentDuration)
	}
	if err := sub.Append(alias, duration, ""); err != nil {
		return "", fmt.Errorf("rendition %d: append segment: %w", renditionIndex, err)
	}
	if err := o.persistSubLocked(renditionIndex, sub); err != nil {
		return "", err
	}
	o.aliases[name] = alias
	o.nextSeq[renditionIndex] = seq + 1
	if o.metrics != nil {
		o.metrics.IncSegments(fmt.Sprintf("%d", renditionIndex))
	}
	return alias, nil
}

// Alias reports the public filename a worker-produced segment was published
// under, if it has been published.
func (o *Output) Alias(renditionIndex int, seq uint64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	alias, ok := o.aliases[SegmentName(renditionIndex, seq)]
	return alias, ok
}

// SegmentCount reports how many segments a rendition has published.
func (o *Output) SegmentCount(renditionIndex int) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextSeq[renditionIndex]
}

// SegmentFiles lists the published segment basenames in manifest order.
func (o *Output) SegmentFiles() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	files := make([]string, 0, len(o.hashes))
	for name := range o.hashes {
		files = append(files, name)
	}
	return files
}

// Seal closes every sub-playlist with an end marker and writes them out a
// final time. Further AddSegment calls fail.
func (o *Output) Seal() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return nil
	}
	o.sealed = true
	for idx, sub := range o.subs {
		sub.Close()
		if err := o.persistSubLocked(idx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup deletes the session directory with all playlists, segments, and
// the manifest. Used for ephemeral sessions that keep nothing.
func (o *Output) Cleanup() error {
	o.mu.Lock()
	o.sealed = true
	o.mu.Unlock()
	return os.RemoveAll(o.dir)
}

func (o *Output) subLocked(renditionIndex int) (*m3u8.MediaPlaylist, error) {
	if sub, ok := o.subs[renditionIndex]; ok {
		return sub, nil
	}
	// Window size zero keeps the whole playlist: sub-playlists grow
	// monotonically while the session publishes.
	sub, err := m3u8.NewMediaPlaylist(0, segmentCapacity)
	if err != nil {
		return nil, fmt.Errorf("rendition %d: create sub-playlist: %w", renditionIndex, err)
	}
	sub.TargetDuration = float64(o.segmentDuration)
	o.subs[renditionIndex] = sub
	return sub, nil
}

func (o *Output) persistSubLocked(renditionIndex int, sub *m3u8.MediaPlaylist) error {
	return o.writeFileAtomic(SubPlaylistName(renditionIndex), sub.Encode().Bytes())
}

func (o *Output) persistManifestLocked() error {
	data, err := json.MarshalIndent(o.hashes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode segment manifest: %w", err)
	}
	return o.writeFileAtomic(o.manifestName, data)
}

func (o *Output) writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(o.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(o.dir, name))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func randomBaseName() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
