package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Refresher re-crawls one scope.
type Refresher interface {
	Refresh(ctx context.Context, scope string) error
}

// ChangeDetector reports whether the site changed since the last call.
type ChangeDetector interface {
	Changed(ctx context.Context) (bool, error)
}

// Scheduler periodically refreshes the configured scopes.
type Scheduler struct {
	feed       Refresher
	scopes     []string
	probe      ChangeDetector
	log        *slog.Logger
	tick       time.Duration
	forceEvery time.Duration
	now        func() time.Time

	lastFull time.Time
}

// New creates a Scheduler that refreshes scopes once a minute.
func New(feed Refresher, scopes []string, log *slog.Logger) *Scheduler {
	return &Scheduler{
		feed:       feed,
		scopes:     scopes,
		log:        log,
		tick:       1 * time.Minute,
		forceEvery: 15 * time.Minute,
		now:        time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetProbe makes ticks conditional: a tick is skipped when p reports no
// change, unless forceEvery has passed since the last full refresh.
func (s *Scheduler) SetProbe(p ChangeDetector, forceEvery time.Duration) {
	s.probe = p
	s.forceEvery = forceEvery
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.skip(ctx) {
		s.log.Debug("site unchanged, skipping refresh")
		return
	}
	s.refreshAll(ctx)
}

func (s *Scheduler) skip(ctx context.Context) bool {
	if s.probe == nil {
		return false
	}
	changed, err := s.probe.Changed(ctx)
	if err != nil {
		s.log.Warn("probe site", "error", err)
		return false
	}
	if changed {
		return false
	}
	return !s.lastFull.IsZero() && s.now().Sub(s.lastFull) < s.forceEvery
}

func (s *Scheduler) refreshAll(ctx context.Context) {
	start := s.now()
	var g errgroup.Group
	for _, scope := range s.scopes {
		g.Go(func() error {
			if err := s.feed.Refresh(ctx, scope); err != nil {
				s.log.Error("refresh scope", "scope", scope, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.lastFull = start
	s.log.Debug("refreshed scopes", "count", len(s.scopes), "took", s.now().Sub(start))
}
