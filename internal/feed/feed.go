// Package feed merges crawl output into one snapshot per scope and
// broadcasts every new snapshot to all subscribers of that scope.
package feed

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"wpsync/internal/model"
	"wpsync/internal/stream"
)

// Streamer produces the batches for one refresh.
type Streamer interface {
	Stream(ctx context.Context, scope string, opts model.StreamOptions, progress stream.ProgressFunc) iter.Seq2[[]model.PostSummary, error]
}

type scopeState struct {
	snapshot Snapshot
	has      bool
	subs     map[*Subscription]struct{}
}

// Feed owns the authoritative snapshot per scope.
type Feed struct {
	stream     Streamer
	opts       model.StreamOptions
	queueLimit int
	log        *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// Option configures a Feed.
type Option func(*Feed)

// WithStreamOptions sets the crawl sizes used by Refresh.
func WithStreamOptions(opts model.StreamOptions) Option {
	return func(f *Feed) { f.opts = opts }
}

// WithQueueLimit bounds every subscriber queue to n snapshots, dropping the
// oldest on overflow. Zero means unbounded.
func WithQueueLimit(n int) Option {
	return func(f *Feed) { f.queueLimit = n }
}

// New creates a Feed driven by s.
func New(s Streamer, log *slog.Logger, opts ...Option) *Feed {
	f := &Feed{
		stream: s,
		opts:   model.DefaultStreamOptions(),
		log:    log,
		scopes: make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// state returns the state for scope, creating it. f.mu must be held.
func (f *Feed) state(scope string) *scopeState {
	st, ok := f.scopes[scope]
	if !ok {
		st = &scopeState{
			snapshot: Snapshot{Scope: scope},
			subs:     make(map[*Subscription]struct{}),
		}
		f.scopes[scope] = st
	}
	return st
}

// Current returns the latest snapshot for scope without subscribing.
// An unknown scope yields an empty snapshot.
func (f *Feed) Current(scope string) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.scopes[scope]; ok {
		return st.snapshot
	}
	return Snapshot{Scope: scope}
}

// Subscribe registers a new observer of scope. If a snapshot already exists
// it is queued immediately. The subscription closes when ctx is done or
// Close is called.
func (f *Feed) Subscribe(ctx context.Context, scope string) *Subscription {
	sub := newSubscription(scope, f.queueLimit, f.unsubscribe)

	f.mu.Lock()
	st := f.state(scope)
	st.subs[sub] = struct{}{}
	if st.has {
		sub.push(st.snapshot)
	}
	n := len(st.subs)
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()

	f.log.Debug("subscribed", "scope", scope, "subscribers", n)
	return sub
}

func (f *Feed) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.scopes[sub.scope]; ok {
		delete(st.subs, sub)
	}
}

// Subscribers returns the number of active subscriptions for scope.
func (f *Feed) Subscribers(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.scopes[scope]; ok {
		return len(st.subs)
	}
	return 0
}

// Refresh runs one crawl of scope and publishes a merged snapshot after every
// batch. On failure the batches already merged stay in place and the error is
// returned; subscribers are not told.
func (f *Feed) Refresh(ctx context.Context, scope string) error {
	batches := 0
	progress := func(p model.StreamProgress) {
		f.log.Debug("refresh progress", "scope", scope, "pages", p.PagesCompleted, "total_pages_hint", p.TotalPagesHint)
	}
	for batch, err := range f.stream.Stream(ctx, scope, f.opts, progress) {
		if err != nil {
			f.log.Warn("refresh aborted", "scope", scope, "batches", batches, "error", err)
			return fmt.Errorf("refresh %s: %w", scope, err)
		}
		f.publish(scope, batch)
		batches++
	}
	f.log.Info("refresh complete", "scope", scope, "batches", batches, "items", f.Current(scope).Len())
	return nil
}

// publish merges batch into the scope's snapshot and pushes the result to
// every subscriber registered at this moment.
func (f *Feed) publish(scope string, batch []model.PostSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state(scope)
	st.snapshot = st.snapshot.merge(batch)
	st.has = true
	for sub := range st.subs {
		sub.push(st.snapshot)
	}
}
