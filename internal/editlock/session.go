package editlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wpsync/internal/model"
)

// ErrReleased is returned when renewing a session that was already released.
var ErrReleased = errors.New("lock session released")

// State is the lifecycle position of a session.
type State int

// Session states. Released is terminal.
const (
	StateUnclaimed State = iota
	StateClaiming
	StateClaimed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateClaiming:
		return "claiming"
	case StateClaimed:
		return "claimed"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Session is one claimed lock. Use ReleaseNow or Close when editing ends.
type Session struct {
	svc      *Service
	postType string
	postID   int64
	userID   int64

	// writeMu orders remote lock writes so a renewal cannot land after the
	// release write.
	writeMu sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// PostType returns the REST base of the locked item.
func (s *Session) PostType() string { return s.postType }

// PostID returns the locked item's ID.
func (s *Session) PostID() int64 { return s.postID }

// UserID returns the lock owner this session writes.
func (s *Session) UserID() int64 { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsClaimed reports whether the session still considers itself the lock holder.
// A heartbeat that failed silently does not change this.
func (s *Session) IsClaimed() bool {
	return s.State() == StateClaimed
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// HeartbeatNow renews the lock with a fresh timestamp.
func (s *Session) HeartbeatNow(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() == StateReleased {
		return ErrReleased
	}
	if err := s.write(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ReleaseNow stops renewal and clears the lock on the server. Calling it
// again after a successful release does nothing.
func (s *Session) ReleaseNow(ctx context.Context) error {
	s.stopHeartbeat()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() == StateReleased {
		return nil
	}
	body := metaBody{Meta: lockMeta{EditLock: ""}}
	if err := s.svc.api.Post(ctx, itemPath(s.postType, s.postID), body, nil); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	s.setState(StateReleased)
	s.svc.log.Debug("lock released", "post_type", s.postType, "post_id", s.postID, "user_id", s.userID)
	return nil
}

// Close releases the lock on a best-effort basis and always stops renewal.
// Release errors are logged, not returned. The session is unusable afterwards.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.svc.releaseTimeout)
	defer cancel()
	if err := s.ReleaseNow(ctx); err != nil {
		s.svc.log.Warn("release on close failed", "post_type", s.postType, "post_id", s.postID, "error", err)
	}
	s.stopHeartbeat()
	s.setState(StateReleased)
	return nil
}

// write stamps the lock with the current time and this session's user.
func (s *Session) write(ctx context.Context) error {
	lock := model.LockInfo{At: s.svc.now(), UserID: s.userID}
	uid := s.userID
	body := metaBody{Meta: lockMeta{EditLock: lock.String(), EditLast: &uid}}
	return s.svc.api.Post(ctx, itemPath(s.postType, s.postID), body, nil)
}

func (s *Session) startHeartbeat(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.HeartbeatNow(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.svc.log.Warn("heartbeat failed", "post_type", s.postType, "post_id", s.postID, "error", err)
				}
			}
		}
	}()
}

// stopHeartbeat cancels the renewal loop and waits for it to exit.
func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
