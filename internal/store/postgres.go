package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/board-archiver/internal/model"
)

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool pgxPool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS boards (
	board TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS threads (
	board       TEXT NOT NULL REFERENCES boards(board),
	thread_id   BIGINT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (board, thread_id)
);
CREATE TABLE IF NOT EXISTS posts (
	board            TEXT NOT NULL,
	thread_id        BIGINT NOT NULL,
	post_number      BIGINT NOT NULL,
	time_posted      TIMESTAMPTZ NOT NULL,
	author           TEXT NOT NULL DEFAULT '',
	tripcode         TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	content_raw      TEXT NOT NULL DEFAULT '',
	content_rendered TEXT NOT NULL DEFAULT '',
	content_type     TEXT NOT NULL DEFAULT '',
	is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
	metadata         JSONB,
	PRIMARY KEY (board, post_number)
);
CREATE TABLE IF NOT EXISTS files (
	id                  SERIAL PRIMARY KEY,
	board               TEXT NOT NULL,
	md5                 BYTEA NOT NULL,
	sha1                BYTEA NOT NULL,
	sha256              BYTEA NOT NULL,
	extension           TEXT NOT NULL DEFAULT '',
	thumbnail_extension TEXT NOT NULL DEFAULT '',
	image_width         SMALLINT,
	image_height        SMALLINT,
	perceptual_hash     BYTEA,
	stream_hash         BYTEA,
	file_banned         BOOLEAN NOT NULL DEFAULT FALSE,
	file_exists         BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (board, sha256, sha1, md5)
);
CREATE TABLE IF NOT EXISTS file_mappings (
	board       TEXT NOT NULL,
	post_number BIGINT NOT NULL,
	idx         SMALLINT NOT NULL,
	filename    TEXT NOT NULL DEFAULT '',
	is_spoiler  BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	file_id     INTEGER REFERENCES files(id),
	PRIMARY KEY (board, post_number, idx)
);
`

// NewPostgres connects a pool and bootstraps the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return s, nil
}

// NewPostgresWithPool constructs a store from an existing pool, primarily for
// testing. No schema bootstrap is performed.
func NewPostgresWithPool(pool pgxPool) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// EnsureBoard implements Store.
func (s *Postgres) EnsureBoard(ctx context.Context, board string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO boards (board) VALUES ($1) ON CONFLICT (board) DO NOTHING`, board)
	if err != nil {
		return fmt.Errorf("ensure board %s: %w", board, err)
	}
	return nil
}

// ApplyThreadUpdate implements Store. Everything happens in one transaction;
// a failure leaves the database exactly as it was.
func (s *Postgres) ApplyThreadUpdate(ctx context.Context, update model.ThreadUpdateInfo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin thread update: %w", err)
	}
	defer tx.Rollback(ctx)

	board := update.Pointer.Board

	if _, err := tx.Exec(ctx, `
INSERT INTO threads (board, thread_id, title, is_archived, is_deleted)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (board, thread_id)
DO UPDATE SET title = EXCLUDED.title, is_archived = EXCLUDED.is_archived, is_deleted = EXCLUDED.is_deleted`,
		board, update.Pointer.ThreadID, update.Thread.Title, update.Thread.IsArchived, update.Thread.IsDeleted,
	); err != nil {
		return fmt.Errorf("upsert thread %s: %w", update.Pointer, err)
	}

	for i := range update.NewPosts {
		p := &update.NewPosts[i]
		meta, err := marshalMetadata(p.Metadata)
		if err != nil {
			return err
		}
		// New-post inserts are upserts: tracking state is memory-only, so a
		// restarted process re-reports existing posts as new and the replay
		// must be idempotent.
		if _, err := tx.Exec(ctx, `
INSERT INTO posts (board, thread_id, post_number, time_posted, author, tripcode, email,
	content_raw, content_rendered, content_type, is_deleted, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (board, post_number)
DO UPDATE SET email = EXCLUDED.email, content_raw = EXCLUDED.content_raw,
	content_rendered = EXCLUDED.content_rendered, is_deleted = EXCLUDED.is_deleted,
	metadata = EXCLUDED.metadata`,
			board, update.Pointer.ThreadID, p.PostNumber, p.TimePosted, p.Author, p.Tripcode, p.Email,
			p.ContentRaw, p.ContentRendered, p.ContentType, p.IsDeleted, meta,
		); err != nil {
			return fmt.Errorf("insert post %d: %w", p.PostNumber, err)
		}
		for j := range p.Media {
			m := &p.Media[j]
			if _, err := tx.Exec(ctx, `
INSERT INTO file_mappings (board, post_number, idx, filename, is_spoiler, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (board, post_number, idx)
DO UPDATE SET filename = EXCLUDED.filename, is_spoiler = EXCLUDED.is_spoiler, is_deleted = EXCLUDED.is_deleted`,
				board, p.PostNumber, m.Index, m.Filename, m.IsSpoiler, m.IsDeleted,
			); err != nil {
				return fmt.Errorf("insert mapping %d/%d: %w", p.PostNumber, m.Index, err)
			}
		}
	}

	for i := range update.UpdatedPosts {
		p := &update.UpdatedPosts[i]
		meta, err := marshalMetadata(p.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE posts SET email = $1, content_raw = $2, content_rendered = $3, is_deleted = $4, metadata = $5
WHERE board = $6 AND post_number = $7`,
			p.Email, p.ContentRaw, p.ContentRendered, p.IsDeleted, meta, board, p.PostNumber,
		); err != nil {
			return fmt.Errorf("update post %d: %w", p.PostNumber, err)
		}
		for j := range p.Media {
			m := &p.Media[j]
			// file_id deliberately untouched: a metadata-only update must not
			// discard an already-resolved file reference.
			if _, err := tx.Exec(ctx, `
INSERT INTO file_mappings (board, post_number, idx, filename, is_spoiler, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (board, post_number, idx)
DO UPDATE SET filename = EXCLUDED.filename, is_spoiler = EXCLUDED.is_spoiler, is_deleted = EXCLUDED.is_deleted`,
				board, p.PostNumber, m.Index, m.Filename, m.IsSpoiler, m.IsDeleted,
			); err != nil {
				return fmt.Errorf("upsert mapping %d/%d: %w", p.PostNumber, m.Index, err)
			}
		}
	}

	for _, num := range update.DeletedPosts {
		if _, err := tx.Exec(ctx,
			`UPDATE posts SET is_deleted = TRUE WHERE board = $1 AND post_number = $2`,
			board, num,
		); err != nil {
			return fmt.Errorf("mark post %d deleted: %w", num, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit thread update %s: %w", update.Pointer, err)
	}
	return nil
}

// MappingRef implements Store.
func (s *Postgres) MappingRef(ctx context.Context, board string, postNumber uint64, index uint8) (model.FileRef, bool, error) {
	var fileID *uint32
	err := s.pool.QueryRow(ctx,
		`SELECT file_id FROM file_mappings WHERE board = $1 AND post_number = $2 AND idx = $3`,
		board, postNumber, index,
	).Scan(&fileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pending, false, nil
	}
	if err != nil {
		return model.Pending, false, fmt.Errorf("query mapping %d/%d: %w", postNumber, index, err)
	}
	if fileID == nil {
		return model.Pending, true, nil
	}
	return model.Resolved(*fileID), true, nil
}

// InsertOrGetFile implements Store. The no-op conflict update makes RETURNING
// yield the surviving row under concurrent insertion of identical content.
func (s *Postgres) InsertOrGetFile(ctx context.Context, file model.File) (model.File, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO files (board, md5, sha1, sha256, extension, thumbnail_extension,
	image_width, image_height, perceptual_hash, stream_hash, file_banned, file_exists)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (board, sha256, sha1, md5)
DO UPDATE SET extension = EXCLUDED.extension
RETURNING id, file_banned, file_exists`,
		file.Board, file.MD5, file.SHA1, file.SHA256, file.Extension, file.ThumbnailExtension,
		smallintPtr(file.ImageWidth), smallintPtr(file.ImageHeight),
		file.PerceptualHash, file.StreamHash, file.FileBanned, file.FileExists,
	).Scan(&file.ID, &file.FileBanned, &file.FileExists)
	if err != nil {
		return model.File{}, fmt.Errorf("insert-or-get file: %w", err)
	}
	return file, nil
}

// ResolveMapping implements Store.
func (s *Postgres) ResolveMapping(ctx context.Context, board string, postNumber uint64, index uint8, fileID uint32) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_mappings SET file_id = $1 WHERE board = $2 AND post_number = $3 AND idx = $4`,
		fileID, board, postNumber, index,
	)
	if err != nil {
		return fmt.Errorf("resolve mapping %d/%d: %w", postNumber, index, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve mapping %d/%d: %w", postNumber, index, ErrNotFound)
	}
	return nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal post metadata: %w", err)
	}
	return raw, nil
}

func smallintPtr(v *uint16) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}
