package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ThreadsPolled tracks per-thread scrape cycles, labeled by board.
	ThreadsPolled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_threads_polled_total",
		Help: "The total number of thread scrape cycles executed.",
	}, []string{"board"})
	// PostsArchived tracks new posts persisted.
	PostsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_posts_archived_total",
		Help: "The total number of new posts persisted.",
	}, []string{"board"})
	// FilesDownloaded tracks media files fetched over the network.
	FilesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_files_downloaded_total",
		Help: "The total number of media downloads completed.",
	}, []string{"board"})
	// FetchErrors tracks fetch failures after retry exhaustion.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_fetch_errors_total",
		Help: "The total number of fetches that exhausted their retries.",
	}, []string{"board"})
	// ThreadsFinalized tracks threads reaching a terminal state, labeled by outcome.
	ThreadsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_threads_finalized_total",
		Help: "The total number of threads archived or deleted.",
	}, []string{"board", "outcome"})
)
