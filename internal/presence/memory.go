package presence

import (
	"context"
	"sync"
	"time"
)

// Memory tracks presence for a single process.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	members  map[string]map[string]time.Time
	watchers map[string]map[*Session]struct{}
}

func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		ttl:      ttl,
		now:      now,
		members:  make(map[string]map[string]time.Time),
		watchers: make(map[string]map[*Session]struct{}),
	}
}

func (m *Memory) Join(ctx context.Context, draftID, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := newSession(draftID, sessionID)
	sess.heartbeat = func(context.Context) error {
		m.touch(draftID, sessionID)
		return nil
	}
	sess.leave = func() error {
		m.leave(draftID, sess)
		return nil
	}

	m.mu.Lock()
	if m.members[draftID] == nil {
		m.members[draftID] = make(map[string]time.Time)
		m.watchers[draftID] = make(map[*Session]struct{})
	}
	m.members[draftID][sessionID] = m.now()
	m.watchers[draftID][sess] = struct{}{}
	m.broadcastLocked(draftID)
	m.mu.Unlock()
	return sess, nil
}

// Count reports the live sessions on draftID.
func (m *Memory) Count(draftID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members[draftID])
}

func (m *Memory) Sweep(ctx context.Context) error {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for draftID, members := range m.members {
		dropped := false
		for sessionID, seen := range members {
			if seen.Before(cutoff) {
				delete(members, sessionID)
				dropped = true
			}
		}
		if dropped {
			m.broadcastLocked(draftID)
		}
		m.pruneLocked(draftID)
	}
	return ctx.Err()
}

func (m *Memory) touch(draftID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[draftID] == nil {
		m.members[draftID] = make(map[string]time.Time)
	}
	_, present := m.members[draftID][sessionID]
	m.members[draftID][sessionID] = m.now()
	if !present {
		m.broadcastLocked(draftID)
	}
}

func (m *Memory) leave(draftID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers[draftID], sess)
	delete(m.members[draftID], sess.ID)
	m.broadcastLocked(draftID)
	m.pruneLocked(draftID)
}

func (m *Memory) broadcastLocked(draftID string) {
	count := len(m.members[draftID])
	for sess := range m.watchers[draftID] {
		sess.deliver(count)
	}
}

func (m *Memory) pruneLocked(draftID string) {
	if len(m.members[draftID]) == 0 && len(m.watchers[draftID]) == 0 {
		delete(m.members, draftID)
		delete(m.watchers, draftID)
	}
}
