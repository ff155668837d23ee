package referral

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory referral store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	byReferred map[string]*Link
}

// NewMemoryStore creates a new in-memory referral store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byReferred: make(map[string]*Link)}
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, link *Link) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byReferred[link.ReferredID]; ok {
		return false, nil
	}
	stored := *link
	stored.CreatedAt = time.Now()
	m.byReferred[stored.ReferredID] = &stored
	return true, nil
}

func (m *MemoryStore) GetByReferred(ctx context.Context, referredID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.byReferred[referredID]
	if !ok {
		return nil, ErrNotLinked
	}
	cp := *link
	return &cp, nil
}
