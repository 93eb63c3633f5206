package consumer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/board-archiver/internal/hash/base36"
	"github.com/JakeFAU/board-archiver/internal/model"
)

// fakeStore is an in-memory Store with all-or-nothing ApplyThreadUpdate.
type fakeStore struct {
	mu        sync.Mutex
	applyErr  error
	threads   map[model.ThreadPointer]model.Thread
	posts     map[uint64]model.Post
	mappings  map[string]*model.FileMapping
	files     []model.File
	nextID    uint32
	bannedSet map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:   make(map[model.ThreadPointer]model.Thread),
		posts:     make(map[uint64]model.Post),
		mappings:  make(map[string]*model.FileMapping),
		nextID:    1,
		bannedSet: make(map[string]bool),
	}
}

func mappingKey(board string, post uint64, index uint8) string {
	return fmt.Sprintf("%s/%d/%d", board, post, index)
}

func (s *fakeStore) EnsureBoard(context.Context, string) error { return nil }

func (s *fakeStore) ApplyThreadUpdate(_ context.Context, update model.ThreadUpdateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		// Transactional: nothing becomes visible.
		return s.applyErr
	}
	s.threads[update.Pointer] = *update.Thread
	for _, p := range update.NewPosts {
		s.posts[p.PostNumber] = p
		for _, m := range p.Media {
			key := mappingKey(update.Pointer.Board, p.PostNumber, m.Index)
			if existing, ok := s.mappings[key]; ok {
				existing.Filename = m.Filename
				continue
			}
			s.mappings[key] = &model.FileMapping{
				Board:      update.Pointer.Board,
				PostNumber: p.PostNumber,
				Index:      m.Index,
				Filename:   m.Filename,
			}
		}
	}
	for _, p := range update.UpdatedPosts {
		s.posts[p.PostNumber] = p
	}
	for _, num := range update.DeletedPosts {
		p := s.posts[num]
		p.IsDeleted = true
		s.posts[num] = p
	}
	return nil
}

func (s *fakeStore) MappingRef(_ context.Context, board string, post uint64, index uint8) (model.FileRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingKey(board, post, index)]
	if !ok {
		return model.Pending, false, nil
	}
	return m.Ref, true, nil
}

func (s *fakeStore) InsertOrGetFile(_ context.Context, file model.File) (model.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.files {
		if existing.Board == file.Board && bytes.Equal(existing.SHA256, file.SHA256) {
			return existing, nil
		}
	}
	file.ID = s.nextID
	file.FileBanned = s.bannedSet[string(file.SHA256)]
	s.nextID++
	s.files = append(s.files, file)
	return file, nil
}

func (s *fakeStore) ResolveMapping(_ context.Context, board string, post uint64, index uint8, fileID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingKey(board, post, index)]
	if !ok {
		return errors.New("no mapping")
	}
	m.Ref = model.Resolved(fileID)
	return nil
}

func (s *fakeStore) Close() error { return nil }

var testPointer = model.ThreadPointer{Board: "test", ThreadID: 123}

func twoMediaThread() *model.Thread {
	return &model.Thread{
		ThreadID: 123,
		Title:    "Thread Title",
		Posts: []model.Post{
			{
				PostNumber: 123,
				TimePosted: time.Date(2020, 2, 2, 2, 2, 2, 0, time.UTC),
				ContentRaw: "My first post",
				Media: []model.Media{
					{
						Filename:           "filename1",
						FileExtension:      "jpg",
						ThumbnailExtension: "jpg",
						FileURL:            "https://example.com/file1.jpg",
						ThumbnailURL:       "https://example.com/file1s.jpg",
						Index:              0,
					},
					{
						Filename:           "file2",
						FileExtension:      "png",
						ThumbnailExtension: "webp",
						FileURL:            "https://example.com/file2.png",
						ThumbnailURL:       "https://example.com/file2s.webp",
						Index:              1,
					},
				},
			},
			{
				PostNumber: 124,
				TimePosted: time.Date(2020, 2, 2, 3, 3, 3, 0, time.UTC),
				ContentRaw: "Reply",
			},
		},
	}
}

func newThreadUpdate(thread *model.Thread) model.ThreadUpdateInfo {
	return model.ThreadUpdateInfo{
		Pointer:     testPointer,
		Thread:      thread,
		IsNewThread: true,
		NewPosts:    thread.Posts,
	}
}

func newTestConsumer(t *testing.T, st *fakeStore) (*Consumer, string) {
	t.Helper()
	root := t.TempDir()
	c := New(Config{
		DownloadLocation:  root,
		FullImagesEnabled: true,
		ThumbnailsEnabled: true,
	}, st, nil, zap.NewNop())
	return c, root
}

func writeTemp(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestConsumeThread_NewThreadQueuesEachMediaOnce(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, _ := newTestConsumer(t, st)

	queue, err := c.ConsumeThread(context.Background(), newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)
	require.Len(t, queue, 2)
	require.Equal(t, "https://example.com/file1.jpg", queue[0].FullImageURL)
	require.Equal(t, "https://example.com/file2.png", queue[1].FullImageURL)

	require.Len(t, st.posts, 2)
	require.Len(t, st.mappings, 2)
	for _, m := range st.mappings {
		require.False(t, m.Ref.Resolved, "mapping must stay pending before download")
	}
}

func TestConsumeThread_TransactionFailureLeavesNothingVisible(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.applyErr = errors.New("deadlock detected")
	c, _ := newTestConsumer(t, st)

	_, err := c.ConsumeThread(context.Background(), newThreadUpdate(twoMediaThread()))
	require.Error(t, err)
	require.Empty(t, st.posts)
	require.Empty(t, st.mappings)
	require.Empty(t, st.threads)
}

func TestConsumeThread_DisabledTogglesQueueNothing(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c := New(Config{DownloadLocation: t.TempDir()}, st, nil, zap.NewNop())

	queue, err := c.ConsumeThread(context.Background(), newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)
	require.Empty(t, queue)
	require.Len(t, st.posts, 2) // persistence still happens
}

func TestProcessFileDownload_FullScenario(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, root := newTestConsumer(t, st)
	ctx := context.Background()

	queue, err := c.ConsumeThread(ctx, newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)
	require.Len(t, queue, 2)

	tmp := t.TempDir()
	content1 := []byte("first image bytes")
	content2 := []byte("second image bytes")
	thumb1 := []byte("first thumb")
	thumb2 := []byte("second thumb")

	require.NoError(t, c.ProcessFileDownload(ctx, queue[0],
		writeTemp(t, tmp, "dl1.jpg", content1), writeTemp(t, tmp, "dl1s.jpg", thumb1), model.HashDigest{}))
	require.NoError(t, c.ProcessFileDownload(ctx, queue[1],
		writeTemp(t, tmp, "dl2.png", content2), writeTemp(t, tmp, "dl2s.webp", thumb2), model.HashDigest{}))

	// 2 posts, 2 mappings resolved to 2 distinct files.
	require.Len(t, st.posts, 2)
	require.Len(t, st.files, 2)
	require.Len(t, st.mappings, 2)
	for _, m := range st.mappings {
		require.True(t, m.Ref.Resolved)
	}

	// Exactly 4 files on disk at their hash-derived paths.
	sum1 := sha256.Sum256(content1)
	sum2 := sha256.Sum256(content2)
	for _, want := range []string{
		filepath.Join(root, "test", "image", base36.Encode(sum1[:])+".jpg"),
		filepath.Join(root, "test", "thumb", base36.Encode(sum1[:])+".jpg"),
		filepath.Join(root, "test", "image", base36.Encode(sum2[:])+".png"),
		filepath.Join(root, "test", "thumb", base36.Encode(sum2[:])+".webp"),
	} {
		_, err := os.Stat(want)
		require.NoError(t, err, "expected archived file at %s", want)
	}

	// Temp files are gone.
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProcessFileDownload_IdenticalBytesShareOneFileRow(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, root := newTestConsumer(t, st)
	ctx := context.Background()

	thread := twoMediaThread()
	queue, err := c.ConsumeThread(ctx, newThreadUpdate(thread))
	require.NoError(t, err)

	tmp := t.TempDir()
	same := []byte("reposted bytes, identical everywhere")
	thumb := []byte("thumb bytes")

	require.NoError(t, c.ProcessFileDownload(ctx, queue[0],
		writeTemp(t, tmp, "a.jpg", same), writeTemp(t, tmp, "as.jpg", thumb), model.HashDigest{}))
	require.NoError(t, c.ProcessFileDownload(ctx, queue[1],
		writeTemp(t, tmp, "b.png", same), writeTemp(t, tmp, "bs.webp", thumb), model.HashDigest{}))

	// One File row, two mappings pointing at it.
	require.Len(t, st.files, 1)
	var ids []uint32
	for _, m := range st.mappings {
		require.True(t, m.Ref.Resolved)
		ids = append(ids, m.Ref.FileID)
	}
	require.Equal(t, ids[0], ids[1])

	// No duplicate bytes retained: the second full image was discarded.
	sum := sha256.Sum256(same)
	images, err := os.ReadDir(filepath.Join(root, "test", "image"))
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, base36.Encode(sum[:])+".jpg", images[0].Name())

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestConsumeThread_MetadataOnlyUpdatePreservesResolvedMapping(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, _ := newTestConsumer(t, st)
	ctx := context.Background()

	thread := twoMediaThread()
	queue, err := c.ConsumeThread(ctx, newThreadUpdate(thread))
	require.NoError(t, err)

	tmp := t.TempDir()
	require.NoError(t, c.ProcessFileDownload(ctx, queue[0],
		writeTemp(t, tmp, "a.jpg", []byte("bytes a")), writeTemp(t, tmp, "as.jpg", []byte("thumb a")), model.HashDigest{}))
	require.NoError(t, c.ProcessFileDownload(ctx, queue[1],
		writeTemp(t, tmp, "b.png", []byte("bytes b")), writeTemp(t, tmp, "bs.webp", []byte("thumb b")), model.HashDigest{}))

	before := make(map[string]uint32)
	for k, m := range st.mappings {
		before[k] = m.Ref.FileID
	}

	// Thread-level change only: archived flag flips, posts unchanged.
	archived := twoMediaThread()
	archived.IsArchived = true
	update := model.ThreadUpdateInfo{
		Pointer:      testPointer,
		Thread:       archived,
		UpdatedPosts: archived.Posts[:1],
	}
	queue, err = c.ConsumeThread(ctx, update)
	require.NoError(t, err)
	require.Empty(t, queue, "resolved media must not be re-queued")

	for k, m := range st.mappings {
		require.True(t, m.Ref.Resolved)
		require.Equal(t, before[k], m.Ref.FileID, "resolved file id must survive metadata updates")
	}
}

func TestConsumeThread_ReplayedThreadSkipsResolvedMedia(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, _ := newTestConsumer(t, st)
	ctx := context.Background()

	queue, err := c.ConsumeThread(ctx, newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)
	require.Len(t, queue, 2)

	tmp := t.TempDir()
	require.NoError(t, c.ProcessFileDownload(ctx, queue[0],
		writeTemp(t, tmp, "a.jpg", []byte("bytes a")), writeTemp(t, tmp, "as.jpg", []byte("thumb a")), model.HashDigest{}))
	require.NoError(t, c.ProcessFileDownload(ctx, queue[1],
		writeTemp(t, tmp, "b.png", []byte("bytes b")), writeTemp(t, tmp, "bs.webp", []byte("thumb b")), model.HashDigest{}))

	// Diff state is memory-only: after a restart or a dropped diff the whole
	// thread is re-reported as new. Resolved media must not be queued again.
	queue, err = c.ConsumeThread(ctx, newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)
	require.Empty(t, queue, "resolved media must not be re-downloaded on replay")
}

func TestProcessFileDownload_UsesSuppliedDigest(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, root := newTestConsumer(t, st)
	ctx := context.Background()

	queue, err := c.ConsumeThread(ctx, newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)

	content := []byte("streamed once")
	sum := sha256.Sum256(content)
	digest := model.HashDigest{MD5: []byte{1}, SHA1: []byte{2}, SHA256: sum[:]}

	tmp := t.TempDir()
	require.NoError(t, c.ProcessFileDownload(ctx, queue[0],
		writeTemp(t, tmp, "a.jpg", content), writeTemp(t, tmp, "as.jpg", []byte("thumb")), digest))

	// The supplied digest determines the canonical path and the File row.
	_, err = os.Stat(filepath.Join(root, "test", "image", base36.Encode(sum[:])+".jpg"))
	require.NoError(t, err)
	require.Len(t, st.files, 1)
	require.Equal(t, sum[:], st.files[0].SHA256)
	require.Equal(t, []byte{1}, st.files[0].MD5)
}

func TestProcessFileDownload_BannedFileNotStored(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	c, root := newTestConsumer(t, st)
	ctx := context.Background()

	queue, err := c.ConsumeThread(ctx, newThreadUpdate(twoMediaThread()))
	require.NoError(t, err)

	banned := []byte("banned content")
	sum := sha256.Sum256(banned)
	st.bannedSet[string(sum[:])] = true

	tmp := t.TempDir()
	require.NoError(t, c.ProcessFileDownload(ctx, queue[0],
		writeTemp(t, tmp, "a.jpg", banned), writeTemp(t, tmp, "as.jpg", []byte("thumb")), model.HashDigest{}))

	// Mapping resolved so the content is never fetched again, but no bytes on disk.
	m := st.mappings[mappingKey("test", 123, 0)]
	require.True(t, m.Ref.Resolved)
	_, err = os.Stat(filepath.Join(root, "test", "image", base36.Encode(sum[:])+".jpg"))
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCanonicalPath_Deterministic(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("stable"))
	a := CanonicalPath("/archive", "g", MediaTypeImage, sum[:], "jpg")
	b := CanonicalPath("/archive", "g", MediaTypeImage, sum[:], "jpg")
	require.Equal(t, a, b)
	require.Equal(t, filepath.Join("/archive", "g", "image", base36.Encode(sum[:])+".jpg"), a)

	thumb := CanonicalPath("/archive", "g", MediaTypeThumbnail, sum[:], ".png")
	require.Equal(t, filepath.Join("/archive", "g", "thumb", base36.Encode(sum[:])+".png"), thumb)
}
