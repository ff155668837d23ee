package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/solvpn/solvpn/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the invoices table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(36) NOT NULL REFERENCES users(id),
			platform    VARCHAR(32) NOT NULL,
			purpose     VARCHAR(16) NOT NULL,
			plan_id     VARCHAR(36),
			months      INT NOT NULL DEFAULT 0,
			amount      BIGINT NOT NULL,
			status      VARCHAR(16) NOT NULL DEFAULT 'pending',
			external_id VARCHAR(64),
			pay_url     TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status) WHERE status = 'pending';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	status := inv.Status
	if status == "" {
		status = StatusPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, user_id, platform, purpose, plan_id, months, amount, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`, inv.ID, inv.UserID, inv.Platform, string(inv.Purpose), inv.PlanID, inv.Months,
		int64(inv.Amount), string(status))
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1`, id))
}

func (p *PostgresStore) AttachExternal(ctx context.Context, id, externalID, payURL string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET external_id = $2, pay_url = $3, updated_at = NOW() WHERE id = $1
	`, id, externalID, payURL)
	if err != nil {
		return fmt.Errorf("attach external: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, invoiceSelect+`
		WHERE user_id = $1 AND status = 'pending'
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const invoiceSelect = `
	SELECT id, user_id, platform, purpose, COALESCE(plan_id, ''), months, amount,
	       status, COALESCE(external_id, ''), COALESCE(pay_url, ''), created_at, updated_at
	FROM invoices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row *sql.Row) (*Invoice, error) {
	inv, err := scanInvoiceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

func scanInvoiceRow(r rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var amount int64
	var purpose, status string
	err := r.Scan(&inv.ID, &inv.UserID, &inv.Platform, &purpose, &inv.PlanID, &inv.Months,
		&amount, &status, &inv.ExternalID, &inv.PayURL, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Amount = money.Amount(amount)
	inv.Purpose = Purpose(purpose)
	inv.Status = Status(status)
	return inv, nil
}
