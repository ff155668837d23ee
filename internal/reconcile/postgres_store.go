package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/solvpn/solvpn/internal/idgen"
	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
	"github.com/solvpn/solvpn/internal/money"
)

// PostgresSettlement implements SettlementStore over the invoices and users
// tables. The status flip and the credit share one transaction: a crash
// between them can never leave a paid invoice without its credit or a
// credit without its paid invoice.
type PostgresSettlement struct {
	db *sql.DB
}

// NewPostgresSettlement creates a Postgres-backed settlement store.
func NewPostgresSettlement(db *sql.DB) *PostgresSettlement {
	return &PostgresSettlement{db: db}
}

func (p *PostgresSettlement) Settle(ctx context.Context, invoiceID string, to invoice.Status) (*invoice.Invoice, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("settle to non-terminal status %q", to)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE invoices SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, invoiceID, string(to))
	if err != nil {
		return nil, fmt.Errorf("flip invoice status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Lost the transition: distinguish unknown from already settled.
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1`, invoiceID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, invoice.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, invoice.ErrAlreadyResolved
	}

	inv := &invoice.Invoice{}
	var amount int64
	var purpose, status string
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, platform, purpose, COALESCE(plan_id, ''), months, amount,
		       status, COALESCE(external_id, ''), COALESCE(pay_url, ''), created_at, updated_at
		FROM invoices WHERE id = $1
	`, invoiceID).Scan(&inv.ID, &inv.UserID, &inv.Platform, &purpose, &inv.PlanID, &inv.Months,
		&amount, &status, &inv.ExternalID, &inv.PayURL, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load settled invoice: %w", err)
	}
	inv.Amount = money.Amount(amount)
	inv.Purpose = invoice.Purpose(purpose)
	inv.Status = invoice.Status(status)

	if to == invoice.StatusPaid {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE id = $1
		`, inv.UserID, amount)
		if err != nil {
			return nil, fmt.Errorf("credit settlement: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil, ledger.ErrUserNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, type, amount, reference)
			VALUES ($1, $2, $3, $4, $5)
		`, idgen.WithPrefix("ent_"), inv.UserID, string(ledger.EntryTopUp), amount, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("record settlement entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}
	return inv, nil
}
