package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig tunes the connection pool of the Postgres store.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS live_videos (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		stream_key_hash TEXT NOT NULL,
		permanent BOOLEAN NOT NULL DEFAULT FALSE,
		save_replay BOOLEAN NOT NULL DEFAULT FALSE,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		live_state TEXT NOT NULL DEFAULT 'created',
		ingest_started TIMESTAMPTZ,
		ingest_ended TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS live_videos_stream_key_hash ON live_videos (stream_key_hash)`,
	`CREATE INDEX IF NOT EXISTS live_videos_live_state ON live_videos (live_state)`,
	`CREATE TABLE IF NOT EXISTS streaming_playlists (
		video_id TEXT PRIMARY KEY REFERENCES live_videos (id) ON DELETE CASCADE,
		master_name TEXT NOT NULL,
		manifest_name TEXT NOT NULL,
		renditions JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS replays (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		files JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS replays_video_id ON replays (video_id)`,
}

// NewPostgresStore opens a Postgres-backed store and applies its schema
// migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, statement := range migrations {
		if _, err := s.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateVideo(ctx context.Context, video VideoRecord) (VideoRecord, error) {
	if video.ID == "" {
		id, err := GenerateID()
		if err != nil {
			return VideoRecord{}, err
		}
		video.ID = id
	}
	now := time.Now().UTC()
	video.CreatedAt = now
	video.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_videos
			(id, name, stream_key_hash, permanent, save_replay, blocked, live_state, ingest_started, ingest_ended, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		video.ID, video.Name, video.StreamKeyHash, video.Permanent, video.SaveReplay,
		video.Blocked, video.LiveState, video.IngestStarted, video.IngestEnded,
		video.CreatedAt, video.UpdatedAt,
	)
	if err != nil {
		return VideoRecord{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

func (s *PostgresStore) UpdateVideo(ctx context.Context, video VideoRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE live_videos SET
			name = $2, stream_key_hash = $3, permanent = $4, save_replay = $5,
			blocked = $6, live_state = $7, ingest_started = $8, ingest_ended = $9,
			updated_at = $10
		 WHERE id = $1`,
		video.ID, video.Name, video.StreamKeyHash, video.Permanent, video.SaveReplay,
		video.Blocked, video.LiveState, video.IngestStarted, video.IngestEnded,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", video.ID, ErrNotFound)
	}
	return nil
}

const videoColumns = `id, name, stream_key_hash, permanent, save_replay, blocked, live_state, ingest_started, ingest_ended, created_at, updated_at`

func scanVideo(row pgx.Row) (VideoRecord, error) {
	var video VideoRecord
	err := row.Scan(
		&video.ID, &video.Name, &video.StreamKeyHash, &video.Permanent, &video.SaveReplay,
		&video.Blocked, &video.LiveState, &video.IngestStarted, &video.IngestEnded,
		&video.CreatedAt, &video.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return VideoRecord{}, ErrNotFound
	}
	if err != nil {
		return VideoRecord{}, fmt.Errorf("scan video: %w", err)
	}
	return video, nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id string) (VideoRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM live_videos WHERE id = $1`, id)
	return scanVideo(row)
}

func (s *PostgresStore) FindVideoByStreamKeyHash(ctx context.Context, hash string) (VideoRecord, error) {
	if hash == "" {
		return VideoRecord{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM live_videos WHERE stream_key_hash = $1`, hash)
	return scanVideo(row)
}

func (s *PostgresStore) DeleteVideo(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM live_videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListVideosByState(ctx context.Context, states ...string) ([]VideoRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM live_videos WHERE live_state = ANY($1) ORDER BY created_at`,
		states,
	)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := make([]VideoRecord, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (s *PostgresStore) UpsertPlaylist(ctx context.Context, playlist PlaylistRecord) error {
	if playlist.VideoID == "" {
		return fmt.Errorf("playlist video id is required")
	}
	renditions, err := json.Marshal(playlist.Renditions)
	if err != nil {
		return fmt.Errorf("encode renditions: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO streaming_playlists (video_id, master_name, manifest_name, renditions, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (video_id) DO UPDATE SET
			master_name = EXCLUDED.master_name,
			manifest_name = EXCLUDED.manifest_name,
			renditions = EXCLUDED.renditions,
			updated_at = EXCLUDED.updated_at`,
		playlist.VideoID, playlist.MasterName, playlist.ManifestName, renditions, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert playlist: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlaylist(ctx context.Context, videoID string) (PlaylistRecord, error) {
	var playlist PlaylistRecord
	var renditions []byte
	err := s.pool.QueryRow(ctx,
		`SELECT video_id, master_name, manifest_name, renditions, updated_at
		 FROM streaming_playlists WHERE video_id = $1`, videoID,
	).Scan(&playlist.VideoID, &playlist.MasterName, &playlist.ManifestName, &renditions, &playlist.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PlaylistRecord{}, fmt.Errorf("playlist for video %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return PlaylistRecord{}, fmt.Errorf("scan playlist: %w", err)
	}
	if err := json.Unmarshal(renditions, &playlist.Renditions); err != nil {
		return PlaylistRecord{}, fmt.Errorf("decode renditions: %w", err)
	}
	return playlist, nil
}

func (s *PostgresStore) DeletePlaylist(ctx context.Context, videoID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM streaming_playlists WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete playlist: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateReplay(ctx context.Context, replay ReplayRecord) (ReplayRecord, error) {
	if replay.ID == "" {
		id, err := GenerateID()
		if err != nil {
			return ReplayRecord{}, err
		}
		replay.ID = id
	}
	replay.CreatedAt = time.Now().UTC()
	files, err := json.Marshal(replay.Files)
	if err != nil {
		return ReplayRecord{}, fmt.Errorf("encode replay files: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO replays (id, video_id, started_at, ended_at, files, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		replay.ID, replay.VideoID, replay.StartedAt, replay.EndedAt, files, replay.CreatedAt,
	)
	if err != nil {
		return ReplayRecord{}, fmt.Errorf("insert replay: %w", err)
	}
	return replay, nil
}

func (s *PostgresStore) ListReplays(ctx context.Context, videoID string) ([]ReplayRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, video_id, started_at, ended_at, files, created_at
		 FROM replays WHERE video_id = $1 ORDER BY created_at`, videoID,
	)
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	defer rows.Close()

	replays := make([]ReplayRecord, 0)
	for rows.Next() {
		var replay ReplayRecord
		var files []byte
		if err := rows.Scan(&replay.ID, &replay.VideoID, &replay.StartedAt, &replay.EndedAt, &files, &replay.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan replay: %w", err)
		}
		if err := json.Unmarshal(files, &replay.Files); err != nil {
			return nil, fmt.Errorf("decode replay files: %w", err)
		}
		replays = append(replays, replay)
	}
	return replays, rows.Err()
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
