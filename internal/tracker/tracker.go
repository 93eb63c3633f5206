// Package tracker implements the thread diff engine. A Tracker holds, per
// tracked thread, a map from post number to a fingerprint of that post's
// mutable fields, and turns each freshly fetched snapshot into a precise
// change-set without storing full post history.
package tracker

import (
	"sync"

	"github.com/JakeFAU/board-archiver/internal/hash/fnv"
	"github.com/JakeFAU/board-archiver/internal/model"
)

// HashFunc fingerprints the mutable fields of a post. Implementations must be
// pure and must not fold immutable identity fields (post number, time posted,
// author, tripcode), otherwise every poll would report every post as updated
// or none as changed.
type HashFunc func(p *model.Post) uint32

// DefaultFingerprint folds the mutable fields of a post in a fixed order
// using seeded FNV-1a accumulation. Fast and collision-poor over small
// structured records; not cryptographic, and does not need to be.
func DefaultFingerprint(p *model.Post) uint32 {
	h := fnv.OffsetBasis
	h = fnv.FoldString(h, p.ContentRaw)
	h = fnv.FoldString(h, p.ContentRendered)
	h = fnv.FoldString(h, p.Email)
	h = fnv.FoldBool(h, p.IsDeleted)
	for i := range p.Media {
		m := &p.Media[i]
		h = fnv.FoldBool(h, m.IsDeleted)
		h = fnv.FoldBool(h, m.IsSpoiler)
	}
	return h
}

// trackedThread is the per-pointer state. It exists only while the thread is
// actively polled and is discarded once the thread archives or deletes.
type trackedThread struct {
	fingerprints map[uint64]uint32
	order        []uint64 // post numbers in first-seen order
	deleted      map[uint64]struct{}
	thread       *model.Thread // merged snapshot, survives fields a fresh fetch omits
}

// Tracker diffs successive snapshots of any number of threads. The internal
// map is guarded for concurrent use across distinct pointers; calls for the
// same pointer must not overlap (the scheduler serializes per pointer).
type Tracker struct {
	hashFn  HashFunc
	mu      sync.Mutex
	threads map[model.ThreadPointer]*trackedThread
}

// StartTracking builds a Tracker using hashFn, or DefaultFingerprint when
// hashFn is nil.
func StartTracking(hashFn HashFunc) *Tracker {
	if hashFn == nil {
		hashFn = DefaultFingerprint
	}
	return &Tracker{
		hashFn:  hashFn,
		threads: make(map[model.ThreadPointer]*trackedThread),
	}
}

// IsTracked reports whether state exists for the pointer.
func (t *Tracker) IsTracked(pointer model.ThreadPointer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.threads[pointer]
	return ok
}

// StopTracking drops all state for the pointer. Called when a thread reaches
// a terminal state; from then on the thread is immutable history.
func (t *Tracker) StopTracking(pointer model.ThreadPointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, pointer)
}

// Finalize returns a post-change-free update carrying the stored thread with
// its terminal flags set, and drops the tracking state. The second result is
// false when the pointer was never tracked. After Finalize the thread is
// immutable history.
func (t *Tracker) Finalize(pointer model.ThreadPointer, archived, deleted bool) (model.ThreadUpdateInfo, bool) {
	t.mu.Lock()
	state, ok := t.threads[pointer]
	delete(t.threads, pointer)
	t.mu.Unlock()
	if !ok {
		return model.ThreadUpdateInfo{}, false
	}
	state.thread.IsArchived = archived
	state.thread.IsDeleted = deleted
	return model.ThreadUpdateInfo{Pointer: pointer, Thread: state.thread}, true
}

// Diff compares fresh against the tracked state for pointer and returns the
// change-set. On first sight of a pointer every post is new and IsNewThread
// is set. Pure in-memory computation: no I/O, cannot fail.
func (t *Tracker) Diff(pointer model.ThreadPointer, fresh *model.Thread) model.ThreadUpdateInfo {
	t.mu.Lock()
	state, ok := t.threads[pointer]
	if !ok {
		state = &trackedThread{
			fingerprints: make(map[uint64]uint32),
			deleted:      make(map[uint64]struct{}),
		}
		t.threads[pointer] = state
	}
	t.mu.Unlock()

	if !ok {
		return t.seed(pointer, state, fresh)
	}
	return t.update(pointer, state, fresh)
}

func (t *Tracker) seed(pointer model.ThreadPointer, state *trackedThread, fresh *model.Thread) model.ThreadUpdateInfo {
	clone := *fresh
	clone.Posts = append([]model.Post(nil), fresh.Posts...)
	state.thread = &clone

	for i := range fresh.Posts {
		p := &fresh.Posts[i]
		state.fingerprints[p.PostNumber] = t.hashFn(p)
		state.order = append(state.order, p.PostNumber)
	}

	return model.ThreadUpdateInfo{
		Pointer:     pointer,
		Thread:      state.thread,
		IsNewThread: true,
		NewPosts:    append([]model.Post(nil), fresh.Posts...),
	}
}

func (t *Tracker) update(pointer model.ThreadPointer, state *trackedThread, fresh *model.Thread) model.ThreadUpdateInfo {
	info := model.ThreadUpdateInfo{Pointer: pointer, Thread: state.thread}

	// Thread metadata is copied field-by-field onto the stored thread rather
	// than replacing it wholesale, so fields the fresh fetch does not
	// repopulate survive.
	state.thread.Title = fresh.Title
	state.thread.IsArchived = fresh.IsArchived
	state.thread.IsDeleted = fresh.IsDeleted

	seen := make(map[uint64]struct{}, len(fresh.Posts))
	for i := range fresh.Posts {
		p := &fresh.Posts[i]
		seen[p.PostNumber] = struct{}{}

		prior, tracked := state.fingerprints[p.PostNumber]
		if !tracked {
			state.fingerprints[p.PostNumber] = t.hashFn(p)
			state.order = append(state.order, p.PostNumber)
			state.thread.Posts = append(state.thread.Posts, *p)
			info.NewPosts = append(info.NewPosts, *p)
			continue
		}

		if p.IsDeleted {
			if _, done := state.deleted[p.PostNumber]; !done {
				state.deleted[p.PostNumber] = struct{}{}
				state.fingerprints[p.PostNumber] = t.hashFn(p)
				markPostDeleted(state.thread, p.PostNumber)
				info.DeletedPosts = append(info.DeletedPosts, p.PostNumber)
			}
			continue
		}

		if _, wasDeleted := state.deleted[p.PostNumber]; wasDeleted {
			// Site resurrection: identity survives soft deletion, so this is
			// an update, never a new post.
			delete(state.deleted, p.PostNumber)
			state.fingerprints[p.PostNumber] = t.hashFn(p)
			mergePost(state.thread, p)
			info.UpdatedPosts = append(info.UpdatedPosts, *p)
			continue
		}

		if next := t.hashFn(p); next != prior {
			state.fingerprints[p.PostNumber] = next
			mergePost(state.thread, p)
			info.UpdatedPosts = append(info.UpdatedPosts, *p)
		}
	}

	// Tracked posts missing from the fresh snapshot, in prior tracking order.
	for _, num := range state.order {
		if _, present := seen[num]; present {
			continue
		}
		if _, done := state.deleted[num]; done {
			continue
		}
		state.deleted[num] = struct{}{}
		markPostDeleted(state.thread, num)
		info.DeletedPosts = append(info.DeletedPosts, num)
	}

	return info
}

// mergePost copies the mutable fields of src onto the stored post with the
// same number. Overwriting the stored post wholesale would mangle fields a
// later stage has already resolved.
func mergePost(thread *model.Thread, src *model.Post) {
	for i := range thread.Posts {
		dst := &thread.Posts[i]
		if dst.PostNumber != src.PostNumber {
			continue
		}
		dst.ContentRaw = src.ContentRaw
		dst.ContentRendered = src.ContentRendered
		dst.Email = src.Email
		dst.IsDeleted = src.IsDeleted
		dst.Metadata = src.Metadata
		dst.Media = src.Media
		return
	}
}

func markPostDeleted(thread *model.Thread, num uint64) {
	for i := range thread.Posts {
		if thread.Posts[i].PostNumber == num {
			thread.Posts[i].IsDeleted = true
			return
		}
	}
}
