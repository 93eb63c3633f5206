// Package board defines the adapter contract that turns a board's wire
// format into the normalized model, plus the Yotsuba-dialect implementation.
// The archiver core depends only on the Adapter interface; dialects are
// selected at configuration time.
package board

import (
	"context"

	"github.com/JakeFAU/board-archiver/internal/model"
)

// Adapter fetches and normalizes one board dialect.
type Adapter interface {
	// FetchThreadIndex returns the pointers of every thread currently listed
	// on the board's index.
	FetchThreadIndex(ctx context.Context, board string) ([]model.ThreadPointer, error)

	// FetchThread returns a fresh snapshot of the thread. The returned Thread
	// is owned by the caller and never mutated by the adapter afterwards.
	FetchThread(ctx context.Context, pointer model.ThreadPointer) (*model.Thread, error)
}
