package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/JakeFAU/board-archiver/internal/model"
)

// SQLite is the single-file Store variant for small deployments that do not
// want to run a database server.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS boards (
	board TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS threads (
	board       TEXT NOT NULL,
	thread_id   INTEGER NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	is_archived INTEGER NOT NULL DEFAULT 0,
	is_deleted  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (board, thread_id)
);
CREATE TABLE IF NOT EXISTS posts (
	board            TEXT NOT NULL,
	thread_id        INTEGER NOT NULL,
	post_number      INTEGER NOT NULL,
	time_posted      TIMESTAMP NOT NULL,
	author           TEXT NOT NULL DEFAULT '',
	tripcode         TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	content_raw      TEXT NOT NULL DEFAULT '',
	content_rendered TEXT NOT NULL DEFAULT '',
	content_type     TEXT NOT NULL DEFAULT '',
	is_deleted       INTEGER NOT NULL DEFAULT 0,
	metadata         BLOB,
	PRIMARY KEY (board, post_number)
);
CREATE TABLE IF NOT EXISTS files (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	board               TEXT NOT NULL,
	md5                 BLOB NOT NULL,
	sha1                BLOB NOT NULL,
	sha256              BLOB NOT NULL,
	extension           TEXT NOT NULL DEFAULT '',
	thumbnail_extension TEXT NOT NULL DEFAULT '',
	image_width         INTEGER,
	image_height        INTEGER,
	perceptual_hash     BLOB,
	stream_hash         BLOB,
	file_banned         INTEGER NOT NULL DEFAULT 0,
	file_exists         INTEGER NOT NULL DEFAULT 1,
	UNIQUE (board, sha256, sha1, md5)
);
CREATE TABLE IF NOT EXISTS file_mappings (
	board       TEXT NOT NULL,
	post_number INTEGER NOT NULL,
	idx         INTEGER NOT NULL,
	filename    TEXT NOT NULL DEFAULT '',
	is_spoiler  INTEGER NOT NULL DEFAULT 0,
	is_deleted  INTEGER NOT NULL DEFAULT 0,
	file_id     INTEGER,
	PRIMARY KEY (board, post_number, idx)
);
`

// NewSQLite opens (or creates) the database at path and bootstraps the
// schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("db.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent thread cycles.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// EnsureBoard implements Store.
func (s *SQLite) EnsureBoard(ctx context.Context, board string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (board) VALUES (?) ON CONFLICT (board) DO NOTHING`, board); err != nil {
		return fmt.Errorf("ensure board %s: %w", board, err)
	}
	return nil
}

// ApplyThreadUpdate implements Store.
func (s *SQLite) ApplyThreadUpdate(ctx context.Context, update model.ThreadUpdateInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin thread update: %w", err)
	}
	defer tx.Rollback()

	board := update.Pointer.Board

	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads (board, thread_id, title, is_archived, is_deleted)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (board, thread_id)
DO UPDATE SET title = excluded.title, is_archived = excluded.is_archived, is_deleted = excluded.is_deleted`,
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
		// Upsert for the same reason as the Postgres backend: replays after a
		// restart must be idempotent.
		if _, err := tx.ExecContext(ctx, `
INSERT INTO posts (board, thread_id, post_number, time_posted, author, tripcode, email,
	content_raw, content_rendered, content_type, is_deleted, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (board, post_number)
DO UPDATE SET email = excluded.email, content_raw = excluded.content_raw,
	content_rendered = excluded.content_rendered, is_deleted = excluded.is_deleted,
	metadata = excluded.metadata`,
			board, update.Pointer.ThreadID, p.PostNumber, p.TimePosted, p.Author, p.Tripcode, p.Email,
			p.ContentRaw, p.ContentRendered, p.ContentType, p.IsDeleted, meta,
		); err != nil {
			return fmt.Errorf("insert post %d: %w", p.PostNumber, err)
		}
		for j := range p.Media {
			m := &p.Media[j]
			if _, err := tx.ExecContext(ctx, `
INSERT INTO file_mappings (board, post_number, idx, filename, is_spoiler, is_deleted)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (board, post_number, idx)
DO UPDATE SET filename = excluded.filename, is_spoiler = excluded.is_spoiler, is_deleted = excluded.is_deleted`,
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
		if _, err := tx.ExecContext(ctx, `
UPDATE posts SET email = ?, content_raw = ?, content_rendered = ?, is_deleted = ?, metadata = ?
WHERE board = ? AND post_number = ?`,
			p.Email, p.ContentRaw, p.ContentRendered, p.IsDeleted, meta, board, p.PostNumber,
		); err != nil {
			return fmt.Errorf("update post %d: %w", p.PostNumber, err)
		}
		for j := range p.Media {
			m := &p.Media[j]
			// file_id deliberately untouched, same invariant as the Postgres
			// backend.
			if _, err := tx.ExecContext(ctx, `
INSERT INTO file_mappings (board, post_number, idx, filename, is_spoiler, is_deleted)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (board, post_number, idx)
DO UPDATE SET filename = excluded.filename, is_spoiler = excluded.is_spoiler, is_deleted = excluded.is_deleted`,
				board, p.PostNumber, m.Index, m.Filename, m.IsSpoiler, m.IsDeleted,
			); err != nil {
				return fmt.Errorf("upsert mapping %d/%d: %w", p.PostNumber, m.Index, err)
			}
		}
	}

	for _, num := range update.DeletedPosts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET is_deleted = 1 WHERE board = ? AND post_number = ?`,
			board, num,
		); err != nil {
			return fmt.Errorf("mark post %d deleted: %w", num, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit thread update %s: %w", update.Pointer, err)
	}
	return nil
}

// MappingRef implements Store.
func (s *SQLite) MappingRef(ctx context.Context, board string, postNumber uint64, index uint8) (model.FileRef, bool, error) {
	var fileID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id FROM file_mappings WHERE board = ? AND post_number = ? AND idx = ?`,
		board, postNumber, index,
	).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Pending, false, nil
	}
	if err != nil {
		return model.Pending, false, fmt.Errorf("query mapping %d/%d: %w", postNumber, index, err)
	}
	if !fileID.Valid {
		return model.Pending, true, nil
	}
	return model.Resolved(uint32(fileID.Int64)), true, nil
}

// InsertOrGetFile implements Store.
func (s *SQLite) InsertOrGetFile(ctx context.Context, file model.File) (model.File, error) {
	var width, height sql.NullInt64
	if file.ImageWidth != nil {
		width = sql.NullInt64{Int64: int64(*file.ImageWidth), Valid: true}
	}
	if file.ImageHeight != nil {
		height = sql.NullInt64{Int64: int64(*file.ImageHeight), Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO files (board, md5, sha1, sha256, extension, thumbnail_extension,
	image_width, image_height, perceptual_hash, stream_hash, file_banned, file_exists)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (board, sha256, sha1, md5)
DO UPDATE SET extension = excluded.extension
RETURNING id, file_banned, file_exists`,
		file.Board, file.MD5, file.SHA1, file.SHA256, file.Extension, file.ThumbnailExtension,
		width, height, file.PerceptualHash, file.StreamHash, file.FileBanned, file.FileExists,
	).Scan(&file.ID, &file.FileBanned, &file.FileExists)
	if err != nil {
		return model.File{}, fmt.Errorf("insert-or-get file: %w", err)
	}
	return file, nil
}

// ResolveMapping implements Store.
func (s *SQLite) ResolveMapping(ctx context.Context, board string, postNumber uint64, index uint8, fileID uint32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_mappings SET file_id = ? WHERE board = ? AND post_number = ? AND idx = ?`,
		fileID, board, postNumber, index,
	)
	if err != nil {
		return fmt.Errorf("resolve mapping %d/%d: %w", postNumber, index, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("resolve mapping %d/%d: %w", postNumber, index, ErrNotFound)
	}
	return nil
}
