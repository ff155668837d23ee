package provision

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory sublink store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sublinks map[string]*Sublink
}

// NewMemoryStore creates a new in-memory sublink store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sublinks: make(map[string]*Sublink)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Sublink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stored := *s
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.sublinks[stored.ID] = &stored
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Sublink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Sublink
	for _, s := range m.sublinks {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id, status string, trafficUsed int64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sublinks[id]
	if !ok {
		return ErrSublinkNotFound
	}
	s.Status = status
	s.TrafficUsed = trafficUsed
	s.ExpiresAt = expiresAt
	s.UpdatedAt = time.Now()
	return nil
}
