// Package stream crawls a remote collection page by page and keeps the
// page cache and id index up to date while yielding each batch.
package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"wpsync/internal/model"
	"wpsync/internal/storage"
	"wpsync/internal/wpapi"
)

// Getter is the subset of the API client the crawl needs.
type Getter interface {
	Get(ctx context.Context, path string, query url.Values, out any) (http.Header, error)
}

// ProgressFunc receives a report after each yielded batch. It may be nil.
type ProgressFunc func(model.StreamProgress)

// Stream is the warm-then-bulk crawler for one site.
type Stream struct {
	api   Getter
	cache storage.PostCache
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Stream that writes through cache.
func New(api Getter, cache storage.PostCache, log *slog.Logger) *Stream {
	return &Stream{
		api:   api,
		cache: cache,
		log:   log,
		now:   time.Now,
	}
}

// remotePost is the wire shape of one element of a collection listing.
type remotePost struct {
	ID    int64 `json:"id"`
	Title struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
	Status      string `json:"status"`
	Link        string `json:"link"`
	ModifiedGMT string `json:"modified_gmt"`
}

func (p remotePost) summary() model.PostSummary {
	return model.PostSummary{
		ID:          p.ID,
		Title:       p.Title.Rendered,
		Status:      p.Status,
		Link:        p.Link,
		ModifiedGMT: p.ModifiedGMT,
	}
}

// Stream returns a lazy sequence of item batches for scope.
//
// The warm phase fetches the opts.WarmFirstCount most recently modified items
// as page 1. The bulk phase then walks pages of opts.MaxBatchSize from page 1
// until a page is empty or shorter than MaxBatchSize. Every non-empty batch is
// written to the cache and index before it is yielded. A 404 or 410 ends the
// crawl normally; any other failure is yielded once as an error and ends it.
// Nothing is remembered between calls: each call starts again at page 1.
func (s *Stream) Stream(ctx context.Context, scope string, opts model.StreamOptions, progress ProgressFunc) iter.Seq2[[]model.PostSummary, error] {
	opts = withDefaults(opts)
	return func(yield func([]model.PostSummary, error) bool) {
		warm := url.Values{
			"context":  {"edit"},
			"per_page": {strconv.Itoa(opts.WarmFirstCount)},
			"orderby":  {"modified"},
			"order":    {"desc"},
		}
		page, err := s.fetchPage(ctx, scope, 1, warm)
		if err != nil {
			yield(nil, fmt.Errorf("fetch warm set: %w", err))
			return
		}
		if len(page.Items) > 0 {
			if !s.emit(ctx, scope, page, 1, progress, yield) {
				return
			}
		}

		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			bulk := url.Values{
				"context":  {"edit"},
				"per_page": {strconv.Itoa(opts.MaxBatchSize)},
				"page":     {strconv.Itoa(n)},
			}
			page, err := s.fetchPage(ctx, scope, n, bulk)
			if err != nil {
				yield(nil, fmt.Errorf("fetch page %d: %w", n, err))
				return
			}
			if len(page.Items) == 0 {
				return
			}
			if !s.emit(ctx, scope, page, n, progress, yield) {
				return
			}
			if len(page.Items) < opts.MaxBatchSize {
				return
			}
		}
	}
}

func (s *Stream) emit(ctx context.Context, scope string, page model.CachePage, completed int, progress ProgressFunc, yield func([]model.PostSummary, error) bool) bool {
	if err := s.cache.UpsertPage(ctx, scope, page); err != nil {
		yield(nil, fmt.Errorf("cache page %d: %w", page.Page, err))
		return false
	}
	if err := s.cache.UpsertIndex(ctx, scope, page.Items); err != nil {
		yield(nil, fmt.Errorf("index page %d: %w", page.Page, err))
		return false
	}
	s.log.Debug("page cached", "scope", scope, "page", page.Page, "items", len(page.Items))
	if !yield(page.Items, nil) {
		return false
	}
	if progress != nil {
		progress(model.StreamProgress{PagesCompleted: completed, TotalPagesHint: page.TotalPagesHint})
	}
	return true
}

func (s *Stream) fetchPage(ctx context.Context, scope string, n int, query url.Values) (model.CachePage, error) {
	var posts []remotePost
	hdr, err := s.api.Get(ctx, wpapi.Path(scope), query, &posts)
	if wpapi.IsGone(err) {
		s.log.Debug("page gone", "scope", scope, "page", n)
		return model.CachePage{Page: n}, nil
	}
	if err != nil {
		return model.CachePage{}, err
	}

	items := make([]model.PostSummary, 0, len(posts))
	for _, p := range posts {
		items = append(items, p.summary())
	}
	total, _ := strconv.Atoi(hdr.Get("X-WP-TotalPages"))
	return model.CachePage{
		Page:           n,
		Items:          items,
		ETag:           hdr.Get("ETag"),
		TotalPagesHint: total,
		FetchedAt:      s.now().UTC(),
	}, nil
}

func withDefaults(opts model.StreamOptions) model.StreamOptions {
	def := model.DefaultStreamOptions()
	if opts.WarmFirstCount <= 0 {
		opts.WarmFirstCount = def.WarmFirstCount
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = def.MaxBatchSize
	}
	return opts
}
