package invoice

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory invoice store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invoices: make(map[string]*Invoice)}
}

func (m *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stored := *inv
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	m.invoices[stored.ID] = &stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) AttachExternal(ctx context.Context, id, externalID, payURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.ExternalID = externalID
	inv.PayURL = payURL
	inv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.UserID == userID && inv.Status == StatusPending {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkTerminal moves the invoice out of pending, returning the updated row.
// Exactly one caller wins; later calls get ErrAlreadyResolved. Used by the
// in-memory settlement store, which serializes the transition and the
// balance credit under its own lock.
func (m *MemoryStore) MarkTerminal(id string, to Status) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	inv.Status = to
	inv.UpdatedAt = time.Now()
	cp := *inv
	return &cp, nil
}
