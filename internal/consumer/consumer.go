// Package consumer persists thread change-sets and performs the hash-based
// media dedup bookkeeping. ConsumeThread turns one ThreadUpdateInfo into a
// transactional persistence call plus the list of media still needing a
// network download; ProcessFileDownload finalizes one download into the
// content-addressed store.
package consumer

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/board-archiver/internal/hash/base36"
	"github.com/JakeFAU/board-archiver/internal/inspect"
	"github.com/JakeFAU/board-archiver/internal/model"
	"github.com/JakeFAU/board-archiver/internal/store"
)

// MediaType distinguishes the two stored artifact kinds.
type MediaType int

const (
	// MediaTypeImage is the full-size media file.
	MediaTypeImage MediaType = iota
	// MediaTypeThumbnail is the site-generated thumbnail.
	MediaTypeThumbnail
)

func (t MediaType) String() string {
	if t == MediaTypeThumbnail {
		return "thumb"
	}
	return "image"
}

// CanonicalPath is the pure content-addressed location for a stored file:
// base36 of the hash as the stem, under <root>/<board>/<image|thumb>/. Using
// the content hash rather than the original filename makes the store dedup-
// safe at the filesystem level, independent of the database bookkeeping.
func CanonicalPath(root, board string, mediaType MediaType, hash []byte, extension string) string {
	name := base36.Encode(hash) + "." + strings.TrimPrefix(extension, ".")
	return filepath.Join(root, board, mediaType.String(), name)
}

// Config controls the consumer pipeline.
type Config struct {
	DownloadLocation  string
	FullImagesEnabled bool
	ThumbnailsEnabled bool
}

// Consumer is the pipeline between the diff engine and the download executor.
type Consumer struct {
	cfg       Config
	store     store.Store
	inspector inspect.Inspector
	logger    *zap.Logger
}

// New constructs a Consumer. A nil inspector degrades to no metadata.
func New(cfg Config, st store.Store, inspector inspect.Inspector, logger *zap.Logger) *Consumer {
	if inspector == nil {
		inspector = inspect.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, store: st, inspector: inspector, logger: logger}
}

// ConsumeThread persists the change-set in a single transaction and returns
// the media downloads still outstanding. A persistence failure is returned
// untouched; the caller retries the whole update next cycle, nothing partial
// is visible.
func (c *Consumer) ConsumeThread(ctx context.Context, update model.ThreadUpdateInfo) ([]model.QueuedImageDownload, error) {
	if err := c.store.ApplyThreadUpdate(ctx, update); err != nil {
		return nil, fmt.Errorf("apply thread update %s: %w", update.Pointer, err)
	}

	if !c.cfg.FullImagesEnabled && !c.cfg.ThumbnailsEnabled {
		return nil, nil
	}

	var queue []model.QueuedImageDownload
	queued := make(map[string]struct{})

	add := func(p *model.Post, m *model.Media) {
		if m.IsDeleted {
			return
		}
		item := model.QueuedImageDownload{
			Pointer:            update.Pointer,
			PostNumber:         p.PostNumber,
			Index:              m.Index,
			FileExtension:      m.FileExtension,
			ThumbnailExtension: m.ThumbnailExtension,
		}
		if c.cfg.FullImagesEnabled {
			item.FullImageURL = m.FileURL
		}
		if c.cfg.ThumbnailsEnabled {
			item.ThumbnailURL = m.ThumbnailURL
		}
		key := item.FullImageURL + "|" + item.ThumbnailURL
		if _, dup := queued[key]; dup {
			return
		}
		queued[key] = struct{}{}
		queue = append(queue, item)
	}

	// New posts are checked against the mapping table too: diff state is
	// memory-only, so a replayed thread re-reports posts as new while their
	// media may already be resolved. Resolved media is never downloaded again.
	for _, posts := range [][]model.Post{update.NewPosts, update.UpdatedPosts} {
		for i := range posts {
			p := &posts[i]
			for j := range p.Media {
				m := &p.Media[j]
				ref, ok, err := c.store.MappingRef(ctx, update.Pointer.Board, p.PostNumber, m.Index)
				if err != nil {
					return nil, fmt.Errorf("check mapping %d/%d: %w", p.PostNumber, m.Index, err)
				}
				if ok && ref.Resolved {
					continue
				}
				add(p, m)
			}
		}
	}

	return queue, nil
}

// ProcessFileDownload finalizes a download whose bytes are already
// materialized at the given local paths. The executor hands over the hash
// triple it computed while streaming; an empty digest (a caller that only has
// the file) is hashed here in one read pass. The content hash resolves or
// creates the File row, new content moves to its canonical path, duplicate
// bytes are discarded, and the file mapping is resolved. Temp files are gone
// on every successful return.
func (c *Consumer) ProcessFileDownload(ctx context.Context, dl model.QueuedImageDownload, localFull, localThumb string, digest model.HashDigest) error {
	hashSource := localFull
	if hashSource == "" {
		hashSource = localThumb
	}
	if hashSource == "" {
		return fmt.Errorf("no downloaded file for %s post %d", dl.Pointer, dl.PostNumber)
	}

	if digest.Empty() {
		var err error
		digest, err = hashFile(hashSource)
		if err != nil {
			return fmt.Errorf("hash %s: %w", hashSource, err)
		}
	}

	board := dl.Pointer.Board
	imagePath := CanonicalPath(c.cfg.DownloadLocation, board, MediaTypeImage, digest.SHA256, dl.FileExtension)
	thumbPath := CanonicalPath(c.cfg.DownloadLocation, board, MediaTypeThumbnail, digest.SHA256, dl.ThumbnailExtension)

	file := model.File{
		Board:              board,
		MD5:                digest.MD5,
		SHA1:               digest.SHA1,
		SHA256:             digest.SHA256,
		Extension:          dl.FileExtension,
		ThumbnailExtension: dl.ThumbnailExtension,
		FileExists:         true,
	}

	// Inspect only content we have not stored before; a duplicate already has
	// its metadata on the existing row.
	_, statErr := os.Stat(imagePath)
	isNew := os.IsNotExist(statErr)
	if isNew {
		meta := c.inspector.Inspect(ctx, hashSource)
		file.ImageWidth = meta.Width
		file.ImageHeight = meta.Height
		file.PerceptualHash = meta.PerceptualHash
		file.StreamHash = meta.StreamHash
	}

	file, err := c.store.InsertOrGetFile(ctx, file)
	if err != nil {
		return fmt.Errorf("resolve file row: %w", err)
	}

	if file.FileBanned || !file.FileExists {
		// Deliberately not stored; keep the mapping resolved so the content
		// is never fetched again.
		c.logger.Info("skipping banned or removed file",
			zap.String("board", board),
			zap.Uint32("file_id", file.ID),
			zap.Bool("banned", file.FileBanned),
		)
		removeAll(localFull, localThumb)
		return c.resolve(ctx, dl, file.ID)
	}

	if localFull != "" {
		if err := placeOrDiscard(localFull, imagePath); err != nil {
			return fmt.Errorf("place image: %w", err)
		}
	}
	if localThumb != "" {
		if err := placeOrDiscard(localThumb, thumbPath); err != nil {
			return fmt.Errorf("place thumbnail: %w", err)
		}
	}

	return c.resolve(ctx, dl, file.ID)
}

func (c *Consumer) resolve(ctx context.Context, dl model.QueuedImageDownload, fileID uint32) error {
	if err := c.store.ResolveMapping(ctx, dl.Pointer.Board, dl.PostNumber, dl.Index, fileID); err != nil {
		return fmt.Errorf("finalize mapping: %w", err)
	}
	return nil
}

// placeOrDiscard moves src to dst, or deletes src when identical content is
// already present. Two concurrent writers of the same content either race on
// uniquely named temp files or both target the same final path with the same
// bytes; last writer wins and that is fine.
func placeOrDiscard(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return os.Remove(src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return nil
}

func removeAll(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// hashFile computes the MD5/SHA1/SHA256 triple in a single read pass.
func hashFile(path string) (model.HashDigest, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.HashDigest{}, err
	}
	defer f.Close()

	h5 := md5.New()
	h1 := sha1.New()
	h256 := sha256.New()
	if _, err := io.Copy(io.MultiWriter(h5, h1, h256), f); err != nil {
		return model.HashDigest{}, err
	}
	return model.HashDigest{MD5: h5.Sum(nil), SHA1: h1.Sum(nil), SHA256: h256.Sum(nil)}, nil
}
