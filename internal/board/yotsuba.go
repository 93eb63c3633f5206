package board

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/board-archiver/internal/fetch"
	"github.com/JakeFAU/board-archiver/internal/model"
)

const (
	defaultAPIHost   = "https://a.4cdn.org"
	defaultImageHost = "https://i.4cdn.org"
)

// YotsubaAdapter normalizes the Yotsuba JSON API. All requests go through the
// shared fetch pool so that index polls and media downloads share pacing.
type YotsubaAdapter struct {
	pool      *fetch.Pool
	apiHost   string
	imageHost string
}

// YotsubaOption adjusts adapter construction.
type YotsubaOption func(*YotsubaAdapter)

// WithAPIHost overrides the API host, mainly for tests.
func WithAPIHost(host string) YotsubaOption {
	return func(a *YotsubaAdapter) { a.apiHost = host }
}

// WithImageHost overrides the media host used when building media URLs.
func WithImageHost(host string) YotsubaOption {
	return func(a *YotsubaAdapter) { a.imageHost = host }
}

// NewYotsubaAdapter builds an adapter over the given fetch pool.
func NewYotsubaAdapter(pool *fetch.Pool, opts ...YotsubaOption) *YotsubaAdapter {
	a := &YotsubaAdapter{
		pool:      pool,
		apiHost:   defaultAPIHost,
		imageHost: defaultImageHost,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type indexPage struct {
	Page    int `json:"page"`
	Threads []struct {
		No           uint64 `json:"no"`
		LastModified int64  `json:"last_modified"`
	} `json:"threads"`
}

type yotsubaPost struct {
	No       uint64 `json:"no"`
	Resto    uint64 `json:"resto"`
	Time     int64  `json:"time"`
	Name     string `json:"name"`
	Trip     string `json:"trip"`
	Email    string `json:"email"`
	Sub      string `json:"sub"`
	Com      string `json:"com"`
	Filename string `json:"filename"`
	Ext      string `json:"ext"`
	Tim      uint64 `json:"tim"`
	W        uint16 `json:"w"`
	H        uint16 `json:"h"`
	Spoiler  int    `json:"spoiler"`
	FileDel  int    `json:"filedeleted"`
	Archived int    `json:"archived"`
	Closed   int    `json:"closed"`
}

type yotsubaThread struct {
	Posts []yotsubaPost `json:"posts"`
}

// FetchThreadIndex implements Adapter via GET /{board}/threads.json.
func (a *YotsubaAdapter) FetchThreadIndex(ctx context.Context, board string) ([]model.ThreadPointer, error) {
	url := fmt.Sprintf("%s/%s/threads.json", a.apiHost, board)
	resp, err := a.pool.Acquire().Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch thread index %s: %w", board, err)
	}
	defer resp.Body.Close()

	var pages []indexPage
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, fmt.Errorf("decode thread index %s: %w", board, err)
	}

	var pointers []model.ThreadPointer
	for _, page := range pages {
		for _, t := range page.Threads {
			pointers = append(pointers, model.ThreadPointer{Board: board, ThreadID: t.No})
		}
	}
	return pointers, nil
}

// FetchThread implements Adapter via GET /{board}/thread/{id}.json.
func (a *YotsubaAdapter) FetchThread(ctx context.Context, pointer model.ThreadPointer) (*model.Thread, error) {
	url := fmt.Sprintf("%s/%s/thread/%d.json", a.apiHost, pointer.Board, pointer.ThreadID)
	resp, err := a.pool.Acquire().Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch thread %s: %w", pointer, err)
	}
	defer resp.Body.Close()

	var raw yotsubaThread
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", pointer, err)
	}

	thread := &model.Thread{ThreadID: pointer.ThreadID}
	for _, p := range raw.Posts {
		post := model.Post{
			PostNumber:      p.No,
			TimePosted:      time.Unix(p.Time, 0).UTC(),
			Author:          p.Name,
			Tripcode:        p.Trip,
			Email:           p.Email,
			ContentRendered: p.Com,
			ContentType:     "yotsuba",
		}
		if p.Resto == 0 {
			thread.Title = p.Sub
			thread.IsArchived = p.Archived == 1
		}
		if p.Ext != "" && p.FileDel == 0 {
			tim := strconv.FormatUint(p.Tim, 10)
			post.Media = []model.Media{{
				Filename:           p.Filename,
				FileExtension:      trimDot(p.Ext),
				ThumbnailExtension: "jpg",
				FileURL:            fmt.Sprintf("%s/%s/%s%s", a.imageHost, pointer.Board, tim, p.Ext),
				ThumbnailURL:       fmt.Sprintf("%s/%s/%ss.jpg", a.imageHost, pointer.Board, tim),
				IsSpoiler:          p.Spoiler == 1,
				Index:              0,
				Metadata: map[string]any{
					"width":  p.W,
					"height": p.H,
				},
			}}
		}
		thread.Posts = append(thread.Posts, post)
	}
	return thread, nil
}

func trimDot(ext string) string {
	if len(ext) > 0 && ext[0] == '.' {
		return ext[1:]
	}
	return ext
}
