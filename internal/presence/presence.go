// Package presence tracks which editing sessions are connected to a draft
// and pushes the live session count to every one of them.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultTTL = 30 * time.Second

type Tracker interface {
	// Join registers sessionID on draftID. The returned Session receives the
	// new count, including itself, as its first value.
	Join(ctx context.Context, draftID, sessionID string) (*Session, error)
	// Sweep drops sessions that have not heartbeated within the TTL.
	Sweep(ctx context.Context) error
}

// Session is one connected editor. Counts always holds the most recent
// count; older undelivered values are replaced.
type Session struct {
	DraftID string
	ID      string

	mu     sync.Mutex
	counts chan int
	closed bool

	heartbeat func(context.Context) error
	leave     func() error
	once      sync.Once
	leaveErr  error
}

func newSession(draftID, sessionID string) *Session {
	return &Session{
		DraftID: draftID,
		ID:      sessionID,
		counts:  make(chan int, 1),
	}
}

// Counts is closed after Close.
func (s *Session) Counts() <-chan int {
	return s.counts
}

// Heartbeat re-affirms the session so it is not swept.
func (s *Session) Heartbeat(ctx context.Context) error {
	if s.heartbeat == nil {
		return nil
	}
	return s.heartbeat(ctx)
}

// Close leaves the draft. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		if s.leave != nil {
			s.leaveErr = s.leave()
		}
		s.mu.Lock()
		s.closed = true
		close(s.counts)
		s.mu.Unlock()
	})
	return s.leaveErr
}

func (s *Session) deliver(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.counts:
	default:
	}
	s.counts <- count
}

// Run sweeps on every tick until ctx is done.
func Run(ctx context.Context, tracker Tracker, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tracker.Sweep(ctx); err != nil {
				logger.Warn("presence sweep failed", "error", err)
			}
		}
	}
}
