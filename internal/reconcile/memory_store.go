package reconcile

import (
	"context"
	"sync"

	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
)

// MemorySettlement implements SettlementStore for development and tests by
// composing the in-memory invoice and account stores. Its own mutex
// serializes settlements; the conditional MarkTerminal still guarantees at
// most one credit per invoice.
type MemorySettlement struct {
	mu       sync.Mutex
	invoices *invoice.MemoryStore
	accounts ledger.Store
}

// NewMemorySettlement creates an in-memory settlement store.
func NewMemorySettlement(invoices *invoice.MemoryStore, accounts ledger.Store) *MemorySettlement {
	return &MemorySettlement{invoices: invoices, accounts: accounts}
}

func (m *MemorySettlement) Settle(ctx context.Context, invoiceID string, to invoice.Status) (*invoice.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.invoices.MarkTerminal(invoiceID, to)
	if err != nil {
		return nil, err
	}
	if to == invoice.StatusPaid {
		if err := m.accounts.Credit(ctx, inv.UserID, inv.Amount, ledger.EntryTopUp, inv.ID); err != nil {
			return nil, err
		}
	}
	return inv, nil
}
