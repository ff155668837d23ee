package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/solvpn/solvpn/internal/idgen"
	"github.com/solvpn/solvpn/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balances live in a BIGINT minor-unit column with a non-negative CHECK
// constraint; debits are a single conditional UPDATE so two concurrent
// purchases can never both pass the balance check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the account tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id           VARCHAR(36) PRIMARY KEY,
			telegram_id  BIGINT NOT NULL UNIQUE,
			username     VARCHAR(100),
			name         VARCHAR(200),
			locale       VARCHAR(8),
			balance      BIGINT NOT NULL DEFAULT 0,
			flow_step    VARCHAR(32) NOT NULL DEFAULT 'idle',
			flow_plan_id VARCHAR(36),
			flow_months  INT NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id         VARCHAR(36) PRIMARY KEY,
			user_id    VARCHAR(36) NOT NULL REFERENCES users(id),
			type       VARCHAR(20) NOT NULL,
			amount     BIGINT NOT NULL,
			reference  VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_entries_user ON ledger_entries(user_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, u *User) (*User, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, telegram_id, username, name, locale)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (telegram_id) DO NOTHING
	`, u.ID, u.TelegramID, u.Username, u.Name, u.Locale)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	rows, _ := res.RowsAffected()

	stored, err := p.GetByTelegramID(ctx, u.TelegramID)
	if err != nil {
		return nil, false, err
	}
	return stored, rows > 0, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelect+` WHERE telegram_id = $1`, telegramID))
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE id = $1
	`, userID, int64(amount))
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}

	if err := insertEntry(ctx, tx, userID, amount, typ, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The WHERE clause is the whole concurrency story: the check and the
	// subtraction happen in one statement, so a racing debit either sees
	// the reduced balance or loses outright.
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
	`, userID, int64(amount))
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a missing user from a short balance.
		if _, err := p.Get(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, userID, -amount, typ, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SaveFlowState(ctx context.Context, userID string, st FlowState) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET flow_step = $2, flow_plan_id = $3, flow_months = $4, updated_at = NOW()
		WHERE id = $1
	`, userID, string(st.Step), st.PlanID, st.Months)
	if err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var amt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &amt, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = money.Amount(amt)
		out = append(out, e)
	}
	return out, rows.Err()
}

const userSelect = `
	SELECT id, telegram_id, COALESCE(username, ''), COALESCE(name, ''),
	       COALESCE(locale, ''), balance, flow_step, COALESCE(flow_plan_id, ''),
	       flow_months, created_at, updated_at
	FROM users`

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var balance int64
	var step string
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.Name, &u.Locale,
		&balance, &step, &u.Flow.PlanID, &u.Flow.Months, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Balance = money.Amount(balance)
	u.Flow.Step = FlowStep(step)
	return u, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID string, amount money.Amount, typ EntryType, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, idgen.WithPrefix("ent_"), userID, string(typ), int64(amount), reference)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "foreign_key_violation" {
			return ErrUserNotFound
		}
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}
