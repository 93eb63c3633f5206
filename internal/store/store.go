// Package store defines the persistence contract for the archive and its
// backend implementations. The archiver core depends only on the Store
// interface; Postgres and SQLite variants are selected at configuration time.
package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/board-archiver/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists the normalized archive. Implementations must apply each
// thread update as a single transaction: on failure nothing of the update is
// visible and the whole update is retried by the caller on the next cycle.
type Store interface {
	// EnsureBoard creates the board row if it does not exist.
	EnsureBoard(ctx context.Context, board string) error

	// ApplyThreadUpdate atomically persists one change-set: inserts new posts
	// with their media mappings in the pending state, applies field-level
	// updates to changed posts without ever touching an already-resolved
	// mapping's file reference, soft-deletes removed posts, and upserts the
	// thread row's mutable fields.
	ApplyThreadUpdate(ctx context.Context, update model.ThreadUpdateInfo) error

	// MappingRef reports the resolution state of one media occurrence. The
	// second result is false when no mapping row exists.
	MappingRef(ctx context.Context, board string, postNumber uint64, index uint8) (model.FileRef, bool, error)

	// InsertOrGetFile resolves content identity by hash triple within the
	// board scope: it returns the existing File row for the hashes or inserts
	// a new one, atomically enough that concurrent resolution of identical
	// content cannot produce duplicate rows. The returned File carries the
	// authoritative ID and flags.
	InsertOrGetFile(ctx context.Context, file model.File) (model.File, error)

	// ResolveMapping points a pending mapping at its File row.
	ResolveMapping(ctx context.Context, board string, postNumber uint64, index uint8, fileID uint32) error

	// Close releases backend resources.
	Close() error
}
