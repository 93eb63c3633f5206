// Package inspect extracts best-effort technical metadata from downloaded
// media. Implementations never fail: unsupported or corrupt input degrades to
// all-absent metadata, because a file with unknown dimensions is still valid,
// deduplicated content.
package inspect

import "context"

// Metadata holds the optional technical properties of a media file. Nil
// pointers and nil slices mean "unknown".
type Metadata struct {
	Width          *uint16
	Height         *uint16
	PerceptualHash []byte
	StreamHash     []byte
}

// Inspector is the narrow capability the consumer pipeline depends on.
type Inspector interface {
	// Inspect examines the file at path. It returns zero Metadata, never an
	// error, when the file cannot be parsed.
	Inspect(ctx context.Context, path string) Metadata
}

// Noop is an Inspector that knows nothing about any file.
type Noop struct{}

// Inspect returns all-absent metadata.
func (Noop) Inspect(context.Context, string) Metadata { return Metadata{} }
