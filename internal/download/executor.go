// Package download drains queued media downloads: it fetches bytes through
// the shared client pool into uniquely named temp files and hands the result
// to the consumer pipeline for hashing and content-addressed placement.
package download

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/board-archiver/internal/fetch"
	"github.com/JakeFAU/board-archiver/internal/model"
)

// Finalizer turns a materialized download into dedup bookkeeping. Implemented
// by the consumer pipeline. digest carries the hash triple computed while the
// primary file streamed in, so the finalizer never re-reads the bytes.
type Finalizer interface {
	ProcessFileDownload(ctx context.Context, dl model.QueuedImageDownload, localFull, localThumb string, digest model.HashDigest) error
}

// Executor downloads queued media items with bounded concurrency. Downloads
// for one thread are independently content-addressed, so no ordering between
// them is needed.
type Executor struct {
	pool        *fetch.Pool
	finalizer   Finalizer
	tempDir     string
	concurrency int
	logger      *zap.Logger
}

// NewExecutor builds an Executor writing temp files under tempDir.
func NewExecutor(pool *fetch.Pool, finalizer Finalizer, tempDir string, concurrency int, logger *zap.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		pool:        pool,
		finalizer:   finalizer,
		tempDir:     tempDir,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Drain processes every queued item and reports how many completed. A failed
// item leaves its mapping unresolved and no temp file behind; it is re-queued
// on a later poll cycle. The returned error joins the per-item failures,
// purely for logging.
func (e *Executor) Drain(ctx context.Context, items []model.QueuedImageDownload) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(e.tempDir, 0o755); err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	var done int

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(item model.QueuedImageDownload) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.downloadOne(ctx, item); err != nil {
				e.logger.Warn("media download failed",
					zap.String("thread", item.Pointer.String()),
					zap.Uint64("post", item.PostNumber),
					zap.Uint8("index", item.Index),
					zap.Error(err),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			done++
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	return done, errors.Join(errs...)
}

// downloadOne fetches the full image and thumbnail to temp files, then
// finalizes. Temp files are cleaned up on every exit path; the move to the
// canonical path inside the finalizer is the only point a file becomes real.
func (e *Executor) downloadOne(ctx context.Context, item model.QueuedImageDownload) (err error) {
	var localFull, localThumb string
	var digest model.HashDigest
	defer func() {
		if err != nil {
			discard(localFull)
			discard(localThumb)
		}
	}()

	if item.FullImageURL != "" {
		localFull, digest, err = e.fetchToTemp(ctx, item.FullImageURL, item.FileExtension)
		if err != nil {
			return fmt.Errorf("fetch image: %w", err)
		}
	}
	if item.ThumbnailURL != "" {
		var thumbDigest model.HashDigest
		localThumb, thumbDigest, err = e.fetchToTemp(ctx, item.ThumbnailURL, item.ThumbnailExtension)
		if err != nil {
			return fmt.Errorf("fetch thumbnail: %w", err)
		}
		// The thumbnail digest identifies the content only when no full image
		// was requested.
		if localFull == "" {
			digest = thumbDigest
		}
	}

	if err = e.finalizer.ProcessFileDownload(ctx, item, localFull, localThumb, digest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// fetchToTemp streams the response body to a uniquely named temp file and
// computes the MD5/SHA1/SHA256 triple in the same pass, so the bytes are read
// from the network exactly once. Unique temp names keep concurrent attempts
// at the same content from colliding before the hash is known.
func (e *Executor) fetchToTemp(ctx context.Context, url, extension string) (path string, digest model.HashDigest, err error) {
	resp, err := e.pool.Acquire().Get(ctx, url)
	if err != nil {
		return "", model.HashDigest{}, err
	}
	defer resp.Body.Close()

	path = filepath.Join(e.tempDir, uuid.NewString()+"."+extension)
	f, err := os.Create(path)
	if err != nil {
		return "", model.HashDigest{}, fmt.Errorf("create temp file: %w", err)
	}

	h5 := md5.New()
	h1 := sha1.New()
	h256 := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h5, h1, h256), resp.Body); err != nil {
		f.Close()
		discard(path)
		return "", model.HashDigest{}, fmt.Errorf("stream body: %w", err)
	}
	if err := f.Close(); err != nil {
		discard(path)
		return "", model.HashDigest{}, fmt.Errorf("close temp file: %w", err)
	}
	digest = model.HashDigest{MD5: h5.Sum(nil), SHA1: h1.Sum(nil), SHA256: h256.Sum(nil)}
	return path, digest, nil
}

func discard(path string) {
	if path != "" {
		os.Remove(path)
	}
}
