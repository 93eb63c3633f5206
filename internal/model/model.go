// Package model defines the normalized imageboard data model shared by the
// tracker, consumer and download pipeline. Board adapters produce these types;
// nothing in here knows about any particular board's wire format.
package model

import (
	"fmt"
	"time"
)

// ThreadPointer is the immutable identity of a thread: unique per board.
type ThreadPointer struct {
	Board    string
	ThreadID uint64
}

// String renders the pointer in "board/id" form for logs.
func (p ThreadPointer) String() string {
	return fmt.Sprintf("%s/%d", p.Board, p.ThreadID)
}

// Thread is one fetched snapshot of a thread. A fresh instance is built on
// every poll; the network layer never mutates a previously returned Thread.
type Thread struct {
	ThreadID   uint64
	Title      string
	IsArchived bool
	IsDeleted  bool
	Posts      []Post
}

// OP returns the opening post, or nil for an empty snapshot.
func (t *Thread) OP() *Post {
	if len(t.Posts) == 0 {
		return nil
	}
	return &t.Posts[0]
}

// Post is a single post within a thread. PostNumber is the identity key
// across polls; everything else is mutable site-side.
type Post struct {
	PostNumber      uint64
	TimePosted      time.Time
	Author          string
	Tripcode        string
	Email           string
	ContentRaw      string
	ContentRendered string
	ContentType     string
	IsDeleted       bool
	Metadata        map[string]any
	Media           []Media
}

// Media is one attachment occurrence. Identity within a post is
// (PostNumber, Index).
type Media struct {
	Filename           string
	FileExtension      string
	ThumbnailExtension string
	FileURL            string
	ThumbnailURL       string
	IsSpoiler          bool
	IsDeleted          bool
	Index              uint8
	Metadata           map[string]any
}

// File is the deduplicated content record. Identity is the hash triple within
// a board's namespace: two Media occurrences whose downloaded bytes hash
// identically resolve to the same File row.
//
// FileBanned and FileExists are independent: a banned file is deliberately
// never stored, an existing-but-later-removed file is marked not-exists
// without deleting history.
type File struct {
	ID                 uint32
	Board              string
	MD5                []byte
	SHA1               []byte
	SHA256             []byte
	Extension          string
	ThumbnailExtension string
	ImageWidth         *uint16
	ImageHeight        *uint16
	PerceptualHash     []byte
	StreamHash         []byte
	FileBanned         bool
	FileExists         bool
}

// HashDigest is the MD5/SHA1/SHA256 triple over one file's bytes, computed
// while the bytes stream in.
type HashDigest struct {
	MD5    []byte
	SHA1   []byte
	SHA256 []byte
}

// Empty reports whether the digest was never computed.
func (d HashDigest) Empty() bool { return len(d.SHA256) == 0 }

// FileRef is the resolution state of a FileMapping. Pending means the remote
// site reports the file but its bytes have not been downloaded yet; this is a
// durable, resumable state, not an error.
type FileRef struct {
	Resolved bool
	FileID   uint32
}

// Pending is the unresolved FileRef.
var Pending = FileRef{}

// Resolved builds a FileRef pointing at a File row.
func Resolved(fileID uint32) FileRef {
	return FileRef{Resolved: true, FileID: fileID}
}

// FileMapping links one media occurrence of a post to a (possibly shared)
// File record.
type FileMapping struct {
	Board      string
	PostNumber uint64
	Index      uint8
	Filename   string
	IsSpoiler  bool
	IsDeleted  bool
	Ref        FileRef
}

// ThreadUpdateInfo is the diff between two successive snapshots of a thread.
// It is never persisted; the consumer pipeline consumes it exactly once.
// DeletedPosts carries post numbers only: nothing more is needed to
// soft-delete a row.
type ThreadUpdateInfo struct {
	Pointer      ThreadPointer
	Thread       *Thread
	IsNewThread  bool
	NewPosts     []Post
	UpdatedPosts []Post
	DeletedPosts []uint64
}

// HasChanges reports whether the update carries any post-level change.
func (u ThreadUpdateInfo) HasChanges() bool {
	return len(u.NewPosts) > 0 || len(u.UpdatedPosts) > 0 || len(u.DeletedPosts) > 0
}

// QueuedImageDownload is an ephemeral work item emitted by the consumer and
// drained by the download executor. URLs may be empty when the corresponding
// feature (full images / thumbnails) is disabled.
type QueuedImageDownload struct {
	Pointer            ThreadPointer
	PostNumber         uint64
	Index              uint8
	FullImageURL       string
	ThumbnailURL       string
	FileExtension      string
	ThumbnailExtension string
}
