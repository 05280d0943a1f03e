// Package store defines the metadata-store interface the engine consumes and
// ships two implementations: a JSON file store for single-node deployments
// and a Postgres store for shared ones. The engine only depends on the
// interface; the web layer owns the rest of the video metadata.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// VideoRecord is the engine's view of a live video. The stream key is kept
// only as a derived hash; the plaintext secret is handed to the streamer
// once and never stored.
type VideoRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	StreamKeyHash string     `json:"streamKeyHash"`
	Permanent     bool       `json:"permanent"`
	SaveReplay    bool       `json:"saveReplay"`
	Blocked       bool       `json:"blocked"`
	LiveState     string     `json:"liveState"`
	IngestStarted *time.Time `json:"ingestStarted,omitempty"`
	IngestEnded   *time.Time `json:"ingestEnded,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// RenditionRecord describes one output variant of a streaming playlist.
type RenditionRecord struct {
	Index    int     `json:"index"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Bitrate  int64   `json:"bitrate"`
	VideoTag string  `json:"videoTag"`
	AudioTag string  `json:"audioTag,omitempty"`
}

// PlaylistRecord is the streaming-playlist row for a video: the randomized
// master playlist and manifest basenames plus the rendition set.
type PlaylistRecord struct {
	VideoID      string            `json:"videoId"`
	MasterName   string            `json:"masterName"`
	ManifestName string            `json:"manifestName"`
	Renditions   []RenditionRecord `json:"renditions"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// ReplayRecord captures a persisted replay of a finished live session. Its
// lifecycle is independent from the live video record.
type ReplayRecord struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"videoId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the metadata-store contract consumed by the engine.
type Store interface {
	CreateVideo(ctx context.Context, video VideoRecord) (VideoRecord, error)
	UpdateVideo(ctx context.Context, video VideoRecord) error
	GetVideo(ctx context.Context, id string) (VideoRecord, error)
	FindVideoByStreamKeyHash(ctx context.Context, hash string) (VideoRecord, error)
	DeleteVideo(ctx context.Context, id string) error
	// ListVideosByState returns every video whose live state matches one of
	// the provided states. Recovery uses it to find orphaned sessions.
	ListVideosByState(ctx context.Context, states ...string) ([]VideoRecord, error)

	UpsertPlaylist(ctx context.Context, playlist PlaylistRecord) error
	GetPlaylist(ctx context.Context, videoID string) (PlaylistRecord, error)
	DeletePlaylist(ctx context.Context, videoID string) error

	CreateReplay(ctx context.Context, replay ReplayRecord) (ReplayRecord, error)
	ListReplays(ctx context.Context, videoID string) ([]ReplayRecord, error)

	Close(ctx context.Context) error
}

func cloneVideo(v VideoRecord) VideoRecord {
	clone := v
	if v.IngestStarted != nil {
		t := *v.IngestStarted
		clone.IngestStarted = &t
	}
	if v.IngestEnded != nil {
		t := *v.IngestEnded
		clone.IngestEnded = &t
	}
	return clone
}

func clonePlaylist(p PlaylistRecord) PlaylistRecord {
	clone := p
	clone.Renditions = append([]RenditionRecord(nil), p.Renditions...)
	return clone
}

func cloneReplay(r ReplayRecord) ReplayRecord {
	clone := r
	clone.Files = append([]string(nil), r.Files...)
	return clone
}
