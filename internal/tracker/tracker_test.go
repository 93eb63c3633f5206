package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/board-archiver/internal/model"
)

func testThread() *model.Thread {
	return &model.Thread{
		ThreadID: 123,
		Title:    "Thread Title",
		Posts: []model.Post{
			{
				PostNumber:      123,
				TimePosted:      time.Date(2020, 2, 2, 2, 2, 2, 0, time.UTC),
				Author:          "Big",
				Tripcode:        "!chungus",
				Email:           "email@example.com",
				ContentRaw:      "My first post",
				ContentRendered: "<b>My first post</b>",
				Media: []model.Media{
					{
						Filename:      "filename1",
						FileExtension: "jpg",
						FileURL:       "https://example.com/test-file1.jpg",
						ThumbnailURL:  "https://example.com/test-file1s.jpg",
						Index:         0,
					},
				},
			},
			{
				PostNumber:      124,
				TimePosted:      time.Date(2020, 2, 2, 3, 3, 3, 0, time.UTC),
				ContentRaw:      "Reply",
				ContentRendered: "Reply",
			},
		},
	}
}

var pointer = model.ThreadPointer{Board: "test", ThreadID: 123}

func TestDiff_FirstSightReturnsEverythingAsNew(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	update := tr.Diff(pointer, testThread())

	require.True(t, update.IsNewThread)
	require.Len(t, update.NewPosts, 2)
	require.Empty(t, update.UpdatedPosts)
	require.Empty(t, update.DeletedPosts)
	require.Equal(t, uint64(123), update.NewPosts[0].PostNumber)
	require.Equal(t, uint64(124), update.NewPosts[1].PostNumber)
	require.True(t, tr.IsTracked(pointer))
}

func TestDiff_UnchangedThreadReportsNothing(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	tr.Diff(pointer, testThread())

	update := tr.Diff(pointer, testThread())

	require.False(t, update.IsNewThread)
	require.Empty(t, update.NewPosts)
	require.Empty(t, update.UpdatedPosts)
	require.Empty(t, update.DeletedPosts)
}

func TestDiff_ContentChangeReportsExactlyThatPost(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	tr.Diff(pointer, testThread())

	fresh := testThread()
	fresh.Posts[1].ContentRendered = "Reply (edited)"
	update := tr.Diff(pointer, fresh)

	require.Empty(t, update.NewPosts)
	require.Len(t, update.UpdatedPosts, 1)
	require.Empty(t, update.DeletedPosts)

	got := update.UpdatedPosts[0]
	require.Equal(t, uint64(124), got.PostNumber)
	require.Equal(t, "Reply (edited)", got.ContentRendered)
	// Identity fields survive untouched.
	require.Equal(t, fresh.Posts[1].TimePosted, got.TimePosted)
	require.Equal(t, fresh.Posts[1].Author, got.Author)
	require.Equal(t, fresh.Posts[1].Tripcode, got.Tripcode)
}

func TestDiff_NewReplyIsReportedOnce(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	tr.Diff(pointer, testThread())

	fresh := testThread()
	fresh.Posts = append(fresh.Posts, model.Post{PostNumber: 125, ContentRendered: "Another reply"})

	update := tr.Diff(pointer, fresh)
	require.Len(t, update.NewPosts, 1)
	require.Equal(t, uint64(125), update.NewPosts[0].PostNumber)

	update = tr.Diff(pointer, fresh)
	require.Empty(t, update.NewPosts)
}

func TestDiff_MissingPostIsDeletedInTrackingOrder(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	fresh := testThread()
	fresh.Posts = append(fresh.Posts, model.Post{PostNumber: 125, ContentRendered: "third"})
	tr.Diff(pointer, fresh)

	next := testThread()
	next.Posts = next.Posts[:1] // 124 and 125 vanish
	update := tr.Diff(pointer, next)

	require.Equal(t, []uint64{124, 125}, update.DeletedPosts)

	// Reported once only.
	update = tr.Diff(pointer, next)
	require.Empty(t, update.DeletedPosts)
}

func TestDiff_SoftDeletedPostIsReportedDeleted(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	tr.Diff(pointer, testThread())

	fresh := testThread()
	fresh.Posts[1].IsDeleted = true
	update := tr.Diff(pointer, fresh)

	require.Equal(t, []uint64{124}, update.DeletedPosts)
	require.Empty(t, update.UpdatedPosts)
}

func TestDiff_ResurrectedPostIsUpdatedNotNew(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	tr.Diff(pointer, testThread())

	gone := testThread()
	gone.Posts = gone.Posts[:1]
	update := tr.Diff(pointer, gone)
	require.Equal(t, []uint64{124}, update.DeletedPosts)

	back := testThread()
	update = tr.Diff(pointer, back)
	require.Empty(t, update.NewPosts)
	require.Len(t, update.UpdatedPosts, 1)
	require.Equal(t, uint64(124), update.UpdatedPosts[0].PostNumber)
}

func TestDiff_ThreadMetadataMergesOntoStoredThread(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	first := tr.Diff(pointer, testThread())

	fresh := testThread()
	fresh.IsArchived = true
	update := tr.Diff(pointer, fresh)

	require.True(t, update.Thread.IsArchived)
	// Same stored object, not a wholesale replacement.
	require.Same(t, first.Thread, update.Thread)
}

func TestFinalize_DropsStateAndFlagsThread(t *testing.T) {
	t.Parallel()

	tr := StartTracking(nil)
	tr.Diff(pointer, testThread())

	update, ok := tr.Finalize(pointer, false, true)
	require.True(t, ok)
	require.True(t, update.Thread.IsDeleted)
	require.False(t, update.HasChanges())
	require.False(t, tr.IsTracked(pointer))

	_, ok = tr.Finalize(pointer, true, false)
	require.False(t, ok)
}

func TestDefaultFingerprint_MutableFieldsOnly(t *testing.T) {
	t.Parallel()

	a := testThread().Posts[0]
	b := testThread().Posts[0]
	require.Equal(t, DefaultFingerprint(&a), DefaultFingerprint(&b))

	// Immutable identity fields do not affect the fingerprint.
	b.PostNumber = 999
	b.Author = "someone else"
	b.Tripcode = "!other"
	b.TimePosted = b.TimePosted.Add(time.Hour)
	require.Equal(t, DefaultFingerprint(&a), DefaultFingerprint(&b))

	// Mutable fields do.
	b.ContentRendered = "changed"
	require.NotEqual(t, DefaultFingerprint(&a), DefaultFingerprint(&b))

	c := testThread().Posts[0]
	c.IsDeleted = true
	require.NotEqual(t, DefaultFingerprint(&a), DefaultFingerprint(&c))

	d := testThread().Posts[0]
	d.Media[0].IsSpoiler = true
	require.NotEqual(t, DefaultFingerprint(&a), DefaultFingerprint(&d))
}
