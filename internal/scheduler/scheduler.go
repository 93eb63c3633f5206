// Package scheduler orchestrates the archive: it polls each configured
// board's thread index on an interval, tracks per-thread lifecycle, and
// drives the fetch → diff → consume → download cycle for every live thread
// with bounded concurrency.
package scheduler

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/board-archiver/internal/board"
	"github.com/JakeFAU/board-archiver/internal/model"
	"github.com/JakeFAU/board-archiver/internal/tracker"
)

// ThreadState is the lifecycle position of a tracked thread.
type ThreadState int

const (
	// StateDiscovered is a thread seen on the index but not yet diffed.
	StateDiscovered ThreadState = iota
	// StateTracking is a live thread with diff state held.
	StateTracking
	// StateArchived is terminal: the site archived the thread.
	StateArchived
	// StateDeleted is terminal: the thread vanished or was removed.
	StateDeleted
	// StateFiltered is terminal: board rules rejected the thread.
	StateFiltered
)

func (s ThreadState) terminal() bool {
	return s == StateArchived || s == StateDeleted || s == StateFiltered
}

// ThreadConsumer persists change-sets and reports outstanding downloads.
// Implemented by the consumer pipeline.
type ThreadConsumer interface {
	ConsumeThread(ctx context.Context, update model.ThreadUpdateInfo) ([]model.QueuedImageDownload, error)
}

// Downloader drains queued media downloads. Implemented by the download
// executor. Drain reports how many items completed; the error joins the
// per-item failures.
type Downloader interface {
	Drain(ctx context.Context, items []model.QueuedImageDownload) (int, error)
}

// Rules filters which threads on a board get archived. Nil patterns match
// everything.
type Rules struct {
	ThreadTitleFilter *regexp.Regexp
	OPContentFilter   *regexp.Regexp
}

func (r Rules) match(t *model.Thread) bool {
	if r.ThreadTitleFilter != nil && !r.ThreadTitleFilter.MatchString(t.Title) {
		return false
	}
	if r.OPContentFilter != nil {
		op := t.OP()
		if op == nil {
			return false
		}
		if !r.OPContentFilter.MatchString(op.ContentRendered) && !r.OPContentFilter.MatchString(op.ContentRaw) {
			return false
		}
	}
	return true
}

// Board is one board to archive.
type Board struct {
	Name  string
	Rules Rules
}

// Config controls the scheduler.
type Config struct {
	Boards           []Board
	BoardScrapeDelay time.Duration
	Concurrency      int
}

// threadEntry holds the lifecycle state and per-pointer mutual exclusion.
// The mutex guarantees no two cycles for the same pointer overlap: the diff
// engine's fingerprint map is not safe for concurrent mutation on one key,
// and overlapping transactions on one thread could interleave updates.
// state is guarded by Scheduler.mu, not the entry mutex: the dispatch loop
// reads it while cycle goroutines holding only the entry mutex write it.
type threadEntry struct {
	mu    sync.Mutex
	state ThreadState
}

// Scheduler is the top-level orchestrator.
type Scheduler struct {
	adapter    board.Adapter
	tracker    *tracker.Tracker
	consumer   ThreadConsumer
	downloader Downloader
	retry      *RetryPolicy
	cfg        Config
	logger     *zap.Logger

	mu      sync.Mutex
	threads map[model.ThreadPointer]*threadEntry
	sem     chan struct{}
}

// New constructs a Scheduler.
func New(adapter board.Adapter, tr *tracker.Tracker, consumer ThreadConsumer, downloader Downloader, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BoardScrapeDelay <= 0 {
		cfg.BoardScrapeDelay = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		adapter:    adapter,
		tracker:    tr,
		consumer:   consumer,
		downloader: downloader,
		retry:      NewRetryPolicy(),
		cfg:        cfg,
		logger:     logger,
		threads:    make(map[model.ThreadPointer]*threadEntry),
		sem:        make(chan struct{}, cfg.Concurrency),
	}
}

// Run polls every configured board until the context finishes. No error
// class terminates the scheduler; failures are logged and deferred to the
// next interval.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range s.cfg.Boards {
		wg.Add(1)
		go func(b Board) {
			defer wg.Done()
			s.boardLoop(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (s *Scheduler) boardLoop(ctx context.Context, b Board) {
	ticker := time.NewTicker(s.cfg.BoardScrapeDelay)
	defer ticker.Stop()

	s.pollBoard(ctx, b)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollBoard(ctx, b)
		}
	}
}

// pollBoard fetches the board index and fans out one cycle per live thread.
// Cycles are independent across threads; per-pointer locks keep them from
// overlapping across successive polls of the same thread.
func (s *Scheduler) pollBoard(ctx context.Context, b Board) {
	pointers, err := s.fetchIndex(ctx, b.Name)
	if err != nil {
		FetchErrors.WithLabelValues(b.Name).Inc()
		s.logger.Warn("thread index fetch failed", zap.String("board", b.Name), zap.Error(err))
		return
	}

	listed := make(map[model.ThreadPointer]struct{}, len(pointers))
	var wg sync.WaitGroup

	for _, ptr := range pointers {
		listed[ptr] = struct{}{}
		entry := s.entry(ptr)
		if s.stateOf(entry).terminal() {
			continue
		}
		wg.Add(1)
		s.sem <- struct{}{}
		go func(ptr model.ThreadPointer, entry *threadEntry) {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.scrapeThread(ctx, b, ptr, entry)
		}(ptr, entry)
	}

	// Threads tracked last poll but missing from the index get one confirming
	// re-fetch before transitioning, to tolerate transient index omissions.
	for _, ptr := range s.trackedOnBoard(b.Name) {
		if _, ok := listed[ptr]; ok {
			continue
		}
		entry := s.entry(ptr)
		wg.Add(1)
		s.sem <- struct{}{}
		go func(ptr model.ThreadPointer, entry *threadEntry) {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.confirmMissing(ctx, ptr, entry)
		}(ptr, entry)
	}

	wg.Wait()
}

func (s *Scheduler) entry(ptr model.ThreadPointer) *threadEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.threads[ptr]
	if !ok {
		e = &threadEntry{state: StateDiscovered}
		s.threads[ptr] = e
	}
	return e
}

func (s *Scheduler) stateOf(entry *threadEntry) ThreadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entry.state
}

func (s *Scheduler) transition(entry *threadEntry, state ThreadState) {
	s.mu.Lock()
	entry.state = state
	s.mu.Unlock()
}

func (s *Scheduler) trackedOnBoard(boardName string) []model.ThreadPointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ThreadPointer
	for ptr, e := range s.threads {
		if ptr.Board == boardName && e.state == StateTracking {
			out = append(out, ptr)
		}
	}
	return out
}

// scrapeThread runs one fetch → diff → consume → download cycle. The four
// steps are strictly sequential for one thread.
func (s *Scheduler) scrapeThread(ctx context.Context, b Board, ptr model.ThreadPointer, entry *threadEntry) {
	if !entry.mu.TryLock() {
		// A previous cycle for this pointer is still running.
		return
	}
	defer entry.mu.Unlock()
	if s.stateOf(entry).terminal() {
		return
	}

	ThreadsPolled.WithLabelValues(ptr.Board).Inc()

	fresh, err := s.fetchThread(ctx, ptr)
	if err != nil {
		if isNotFound(err) {
			s.finalize(ctx, ptr, entry, StateDeleted)
			return
		}
		FetchErrors.WithLabelValues(ptr.Board).Inc()
		s.logger.Warn("thread fetch failed", zap.String("thread", ptr.String()), zap.Error(err))
		return
	}

	if !s.tracker.IsTracked(ptr) && !b.Rules.match(fresh) {
		s.transition(entry, StateFiltered)
		s.logger.Debug("thread rejected by board rules", zap.String("thread", ptr.String()))
		return
	}

	update := s.tracker.Diff(ptr, fresh)
	s.transition(entry, StateTracking)

	queue, err := s.consumer.ConsumeThread(ctx, update)
	if err != nil {
		// Nothing of the update is visible. Drop the diff state so the next
		// cycle re-reports the changes; the store's upserts make the replay
		// idempotent.
		s.tracker.StopTracking(ptr)
		s.logger.Error("thread update persist failed", zap.String("thread", ptr.String()), zap.Error(err))
		return
	}
	PostsArchived.WithLabelValues(ptr.Board).Add(float64(len(update.NewPosts)))

	done, err := s.downloader.Drain(ctx, queue)
	FilesDownloaded.WithLabelValues(ptr.Board).Add(float64(done))
	if err != nil {
		s.logger.Warn("some media downloads failed", zap.String("thread", ptr.String()), zap.Error(err))
	}

	if fresh.IsArchived {
		s.finalize(ctx, ptr, entry, StateArchived)
	}
}

// confirmMissing is the single confirming re-fetch for a thread that dropped
// off the index: a 404 confirms deletion, a successful fetch archives the
// thread after one last consume, and a transient failure leaves it tracked.
func (s *Scheduler) confirmMissing(ctx context.Context, ptr model.ThreadPointer, entry *threadEntry) {
	if !entry.mu.TryLock() {
		return
	}
	defer entry.mu.Unlock()
	if s.stateOf(entry) != StateTracking {
		return
	}

	fresh, err := s.fetchThread(ctx, ptr)
	if err != nil {
		if isNotFound(err) {
			s.finalize(ctx, ptr, entry, StateDeleted)
			return
		}
		s.logger.Debug("missing-thread confirm fetch failed", zap.String("thread", ptr.String()), zap.Error(err))
		return
	}

	update := s.tracker.Diff(ptr, fresh)
	queue, err := s.consumer.ConsumeThread(ctx, update)
	if err != nil {
		s.tracker.StopTracking(ptr)
		s.logger.Error("final thread update persist failed", zap.String("thread", ptr.String()), zap.Error(err))
		return
	}
	done, err := s.downloader.Drain(ctx, queue)
	FilesDownloaded.WithLabelValues(ptr.Board).Add(float64(done))
	if err != nil {
		s.logger.Warn("some media downloads failed", zap.String("thread", ptr.String()), zap.Error(err))
	}
	s.finalize(ctx, ptr, entry, StateArchived)
}

// finalize persists the terminal flags, drops tracking state and marks the
// entry so the thread is never polled again.
func (s *Scheduler) finalize(ctx context.Context, ptr model.ThreadPointer, entry *threadEntry, state ThreadState) {
	outcome := "archived"
	if state == StateDeleted {
		outcome = "deleted"
	}
	if update, ok := s.tracker.Finalize(ptr, state == StateArchived, state == StateDeleted); ok {
		if _, err := s.consumer.ConsumeThread(ctx, update); err != nil {
			s.logger.Error("terminal thread update persist failed", zap.String("thread", ptr.String()), zap.Error(err))
		}
	}
	s.transition(entry, state)
	ThreadsFinalized.WithLabelValues(ptr.Board, outcome).Inc()
	s.logger.Info("thread finalized", zap.String("thread", ptr.String()), zap.String("outcome", outcome))
}

func (s *Scheduler) fetchIndex(ctx context.Context, boardName string) ([]model.ThreadPointer, error) {
	var pointers []model.ThreadPointer
	err := s.withRetry(ctx, func() error {
		var err error
		pointers, err = s.adapter.FetchThreadIndex(ctx, boardName)
		return err
	})
	return pointers, err
}

func (s *Scheduler) fetchThread(ctx context.Context, ptr model.ThreadPointer) (*model.Thread, error) {
	var thread *model.Thread
	err := s.withRetry(ctx, func() error {
		var err error
		thread, err = s.adapter.FetchThread(ctx, ptr)
		return err
	})
	return thread, err
}

func (s *Scheduler) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !s.retry.ShouldRetry(err, attempt) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retry.Backoff(attempt)):
		}
	}
}
