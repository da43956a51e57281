package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustbank/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Transaction.ID]; ok {
		return ErrDuplicateID
	}
	m.records[rec.Transaction.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) UpdateChain(ctx context.Context, id string, status ChainStatus, receipt *Receipt, chainErr string, anchoredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	next := &Record{
		Transaction: rec.Transaction,
		ChainStatus: status,
		Receipt:     receipt,
		ChainError:  chainErr,
		CommittedAt: rec.CommittedAt,
		AnchoredAt:  anchoredAt,
		UpdatedAt:   time.Now(),
	}
	m.records[id] = next.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.Transaction.UserID != userID {
			continue
		}
		if cursor != nil && !cursor.After(rec.CommittedAt, rec.Transaction.ID) {
			continue
		}
		result = append(result, rec.clone())
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CommittedAt.Equal(b.CommittedAt) {
			return a.CommittedAt.After(b.CommittedAt)
		}
		return a.Transaction.ID > b.Transaction.ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
