package feed

import (
	"context"
	"iter"
	"sync"
)

// Subscription is one observer's queue of snapshots for a scope.
type Subscription struct {
	scope  string
	limit  int
	remove func(*Subscription)

	mu     sync.Mutex
	queue  []Snapshot
	closed bool
	notify chan struct{}
	done   chan struct{}
	stop   func() bool
}

func newSubscription(scope string, limit int, remove func(*Subscription)) *Subscription {
	return &Subscription{
		scope:  scope,
		limit:  limit,
		remove: remove,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Scope returns the scope this subscription observes.
func (s *Subscription) Scope() string { return s.scope }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// push enqueues snap without blocking. With a limit, the oldest queued
// snapshot is dropped to make room.
func (s *Subscription) push(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.queue[0] = Snapshot{}
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available. It returns false once the
// subscription is closed or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Snapshot, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Snapshot{}, false
		}
		if len(s.queue) > 0 {
			snap := s.queue[0]
			s.queue[0] = Snapshot{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return snap, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return Snapshot{}, false
		case <-ctx.Done():
			return Snapshot{}, false
		}
	}
}

// Snapshots returns the subscription as a sequence that ends when the
// subscription is closed or ctx is done.
func (s *Subscription) Snapshots(ctx context.Context) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		for {
			snap, ok := s.Next(ctx)
			if !ok || !yield(snap) {
				return
			}
		}
	}
}

// Pending returns the number of queued snapshots.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close deregisters the subscription and discards anything still queued.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.remove(s)
	close(s.done)
}
