package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/solvpn/solvpn/internal/idgen"
	"github.com/solvpn/solvpn/internal/money"
)

// MemoryStore is an in-memory account store for development and tests.
// It mirrors the Postgres semantics: debits are conditional on the balance
// and every movement records an entry under the same lock.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]*User // by ID
	byTelegram map[int64]string // telegram id → ID
	entries    map[string][]*Entry
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		byTelegram: make(map[int64]string),
		entries:    make(map[string][]*Entry),
	}
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, u *User) (*User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byTelegram[u.TelegramID]; ok {
		cp := *m.users[id]
		return &cp, false, nil
	}

	now := time.Now()
	stored := *u
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Flow.Step == "" {
		stored.Flow.Step = StepIdle
	}
	m.users[stored.ID] = &stored
	m.byTelegram[stored.TelegramID] = stored.ID

	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) GetByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byTelegram[telegramID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(userID, amount, typ, reference)
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Balance < amount {
		return ErrInsufficientBalance
	}
	u.Balance -= amount
	u.UpdatedAt = time.Now()
	m.appendEntryLocked(userID, -amount, typ, reference)
	return nil
}

func (m *MemoryStore) SaveFlowState(ctx context.Context, userID string, st FlowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Flow = st
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.entries[userID]
	var out []*Entry
	// Newest first.
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) getLocked(id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) creditLocked(userID string, amount money.Amount, typ EntryType, reference string) error {
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Balance += amount
	u.UpdatedAt = time.Now()
	m.appendEntryLocked(userID, amount, typ, reference)
	return nil
}

func (m *MemoryStore) appendEntryLocked(userID string, amount money.Amount, typ EntryType, reference string) {
	m.entries[userID] = append(m.entries[userID], &Entry{
		ID:        idgen.WithPrefix("ent_"),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}
