package trust

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory trust profile store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // userID → profile, including its log
}

// NewMemoryStore creates a new in-memory trust profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
	}
}

func (m *MemoryStore) CreateProfile(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.UserID]; ok {
		return ErrProfileExists
	}
	m.profiles[p.UserID] = p.Clone()
	return nil
}

func (m *MemoryStore) FindProfile(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpdateProfile(ctx context.Context, userID string, apply func(*Profile)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.profiles[userID]
	if !ok {
		return ErrProfileNotFound
	}
	log := stored.ContextLog
	apply(stored)
	stored.ContextLog = log
	return nil
}

func (m *MemoryStore) DeleteProfile(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[userID]; !ok {
		return ErrProfileNotFound
	}
	delete(m.profiles, userID)
	return nil
}

func (m *MemoryStore) AppendObservation(ctx context.Context, userID string, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.profiles[userID]
	if !ok {
		return ErrProfileNotFound
	}
	stored.ContextLog = append(stored.ContextLog, obs.clone())
	return nil
}

// ListObservations returns up to limit of the most recent observations in
// chronological order. A non-positive limit returns the whole log.
func (m *MemoryStore) ListObservations(ctx context.Context, userID string, limit int) ([]Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	log := stored.ContextLog
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Observation, len(log))
	for i, o := range log {
		out[i] = o.clone()
	}
	return out, nil
}
