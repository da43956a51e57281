package telemetry

import (
	"context"
	"slices"
	"sync"
	"time"
)

type sessionKey struct {
	userID    string
	sessionID string
}

type memorySession struct {
	first   time.Time
	samples int
	strokes int
}

// MemoryStore keeps only per-session counts; strokes themselves are not
// retained in memory mode.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[sessionKey]*memorySession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[sessionKey]*memorySession)}
}

func (m *MemoryStore) Append(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := sessionKey{b.UserID, b.SessionID}
	s, ok := m.sessions[k]
	if !ok {
		s = &memorySession{first: b.At}
		m.sessions[k] = s
	}
	for _, st := range b.Strokes {
		s.samples += st.Len()
	}
	s.strokes += len(b.Strokes)
	return nil
}

func (m *MemoryStore) Samples(ctx context.Context, userID, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey{userID, sessionID}]
	if !ok {
		return 0, ErrSessionNotFound
	}
	return s.samples, nil
}

func (m *MemoryStore) Sessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

func (m *MemoryStore) EvictOldest(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) == 0 {
		return 0, nil
	}
	keys := make([]sessionKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	oldest := slices.MinFunc(keys, func(a, b sessionKey) int {
		return m.sessions[a].first.Compare(m.sessions[b].first)
	})
	n := m.sessions[oldest].strokes
	delete(m.sessions, oldest)
	return n, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sessions {
		if k.userID == userID {
			delete(m.sessions, k)
		}
	}
	return nil
}
