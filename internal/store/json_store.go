package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type dataset struct {
	Videos    map[string]VideoRecord    `json:"videos"`
	Playlists map[string]PlaylistRecord `json:"playlists"`
	Replays   map[string]ReplayRecord   `json:"replays"`
}

// JSONStore persists every record in a single JSON file. Writes go through a
// temp file followed by a rename so a crash never leaves a half-written
// dataset behind.
type JSONStore struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
}

// NewJSONStore opens or creates the JSON-backed store at the given path.
func NewJSONStore(path string) (*JSONStore, error) {
	if path == "" {
		return nil, fmt.Errorf("data file path is required")
	}
	s := &JSONStore{
		filePath: path,
		data: dataset{
			Videos:    make(map[string]VideoRecord),
			Playlists: make(map[string]PlaylistRecord),
			Replays:   make(map[string]ReplayRecord),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read data file: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode data file %s: %w", s.filePath, err)
	}
	if data.Videos == nil {
		data.Videos = make(map[string]VideoRecord)
	}
	if data.Playlists == nil {
		data.Playlists = make(map[string]PlaylistRecord)
	}
	if data.Replays == nil {
		data.Replays = make(map[string]ReplayRecord)
	}
	s.data = data
	return nil
}

func (s *JSONStore) persist() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "data-*.tmp")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.filePath)
}

// GenerateID returns a random, URL-safe identifier.
func GenerateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *JSONStore) CreateVideo(ctx context.Context, video VideoRecord) (VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if video.ID == "" {
		id, err := GenerateID()
		if err != nil {
			return VideoRecord{}, err
		}
		video.ID = id
	}
	if _, exists := s.data.Videos[video.ID]; exists {
		return VideoRecord{}, fmt.Errorf("video %s already exists", video.ID)
	}
	now := time.Now().UTC()
	video.CreatedAt = now
	video.UpdatedAt = now

	s.data.Videos[video.ID] = cloneVideo(video)
	if err := s.persist(); err != nil {
		delete(s.data.Videos, video.ID)
		return VideoRecord{}, err
	}
	return video, nil
}

func (s *JSONStore) UpdateVideo(ctx context.Context, video VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, exists := s.data.Videos[video.ID]
	if !exists {
		return fmt.Errorf("video %s: %w", video.ID, ErrNotFound)
	}
	video.CreatedAt = previous.CreatedAt
	video.UpdatedAt = time.Now().UTC()
	s.data.Videos[video.ID] = cloneVideo(video)
	if err := s.persist(); err != nil {
		s.data.Videos[video.ID] = previous
		return err
	}
	return nil
}

func (s *JSONStore) GetVideo(ctx context.Context, id string) (VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, exists := s.data.Videos[id]
	if !exists {
		return VideoRecord{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return cloneVideo(video), nil
}

func (s *JSONStore) FindVideoByStreamKeyHash(ctx context.Context, hash string) (VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hash == "" {
		return VideoRecord{}, ErrNotFound
	}
	for _, video := range s.data.Videos {
		if video.StreamKeyHash == hash {
			return cloneVideo(video), nil
		}
	}
	return VideoRecord{}, ErrNotFound
}

func (s *JSONStore) DeleteVideo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, exists := s.data.Videos[id]
	if !exists {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	previousPlaylist, hadPlaylist := s.data.Playlists[id]
	delete(s.data.Videos, id)
	delete(s.data.Playlists, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		if hadPlaylist {
			s.data.Playlists[id] = previousPlaylist
		}
		return err
	}
	return nil
}

func (s *JSONStore) ListVideosByState(ctx context.Context, states ...string) ([]VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(states))
	for _, state := range states {
		wanted[state] = true
	}
	videos := make([]VideoRecord, 0)
	for _, video := range s.data.Videos {
		if wanted[video.LiveState] {
			videos = append(videos, cloneVideo(video))
		}
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].CreatedAt.Before(videos[j].CreatedAt) })
	return videos, nil
}

func (s *JSONStore) UpsertPlaylist(ctx context.Context, playlist PlaylistRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if playlist.VideoID == "" {
		return fmt.Errorf("playlist video id is required")
	}
	previous, existed := s.data.Playlists[playlist.VideoID]
	playlist.UpdatedAt = time.Now().UTC()
	s.data.Playlists[playlist.VideoID] = clonePlaylist(playlist)
	if err := s.persist(); err != nil {
		if existed {
			s.data.Playlists[playlist.VideoID] = previous
		} else {
			delete(s.data.Playlists, playlist.VideoID)
		}
		return err
	}
	return nil
}

func (s *JSONStore) GetPlaylist(ctx context.Context, videoID string) (PlaylistRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	playlist, exists := s.data.Playlists[videoID]
	if !exists {
		return PlaylistRecord{}, fmt.Errorf("playlist for video %s: %w", videoID, ErrNotFound)
	}
	return clonePlaylist(playlist), nil
}

func (s *JSONStore) DeletePlaylist(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, exists := s.data.Playlists[videoID]
	if !exists {
		return nil
	}
	delete(s.data.Playlists, videoID)
	if err := s.persist(); err != nil {
		s.data.Playlists[videoID] = previous
		return err
	}
	return nil
}

func (s *JSONStore) CreateReplay(ctx context.Context, replay ReplayRecord) (ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replay.ID == "" {
		id, err := GenerateID()
		if err != nil {
			return ReplayRecord{}, err
		}
		replay.ID = id
	}
	replay.CreatedAt = time.Now().UTC()
	s.data.Replays[replay.ID] = cloneReplay(replay)
	if err := s.persist(); err != nil {
		delete(s.data.Replays, replay.ID)
		return ReplayRecord{}, err
	}
	return replay, nil
}

func (s *JSONStore) ListReplays(ctx context.Context, videoID string) ([]ReplayRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	replays := make([]ReplayRecord, 0)
	for _, replay := range s.data.Replays {
		if replay.VideoID == videoID {
			replays = append(replays, cloneReplay(replay))
		}
	}
	sort.Slice(replays, func(i, j int) bool { return replays[i].CreatedAt.Before(replays[j].CreatedAt) })
	return replays, nil
}

// Export is the full dataset of a JSON store, used by the Postgres
// migration tool.
type Export struct {
	Videos    []VideoRecord
	Playlists []PlaylistRecord
	Replays   []ReplayRecord
}

// Export returns a deep copy of everything the store holds, ordered by
// creation time.
func (s *JSONStore) Export(ctx context.Context) (Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out Export
	for _, video := range s.data.Videos {
		out.Videos = append(out.Videos, cloneVideo(video))
	}
	for _, playlist := range s.data.Playlists {
		out.Playlists = append(out.Playlists, clonePlaylist(playlist))
	}
	for _, replay := range s.data.Replays {
		out.Replays = append(out.Replays, cloneReplay(replay))
	}
	sort.Slice(out.Videos, func(i, j int) bool { return out.Videos[i].CreatedAt.Before(out.Videos[j].CreatedAt) })
	sort.Slice(out.Replays, func(i, j int) bool { return out.Replays[i].CreatedAt.Before(out.Replays[j].CreatedAt) })
	return out, nil
}

func (s *JSONStore) Close(ctx context.Context) error {
	return nil
}
