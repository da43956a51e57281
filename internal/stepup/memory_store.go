package stepup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory pending action store for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]*PendingAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]*PendingAction)}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.actions[userID]
	if !ok {
		return nil, ErrNoPendingAction
	}
	return pa.clone(), nil
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, pa *PendingAction, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.actions[pa.UserID]; ok && !existing.Expired(now) {
		return ErrVerificationInProgress
	}
	m.actions[pa.UserID] = pa.clone()
	return nil
}

func (m *MemoryStore) Take(ctx context.Context, userID, codeHash string, now time.Time) (*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.actions[userID]
	if !ok || pa.CodeHash != codeHash || pa.Expired(now) {
		return nil, ErrNoPendingAction
	}
	delete(m.actions, userID)
	return pa, nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, userID)
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pa, ok := m.actions[userID]; ok && pa.Expired(now) {
		delete(m.actions, userID)
	}
	return nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, pa := range m.actions {
		if limit > 0 && n >= limit {
			break
		}
		if pa.Expired(before) {
			delete(m.actions, id)
			n++
		}
	}
	return n, nil
}
