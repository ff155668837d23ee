package referral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. Exactly-once linking
// rests on the UNIQUE constraint over referred_id.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the referral_links table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS referral_links (
			id            VARCHAR(36) PRIMARY KEY,
			owner_id      VARCHAR(36) NOT NULL REFERENCES users(id),
			referred_id   VARCHAR(36) NOT NULL UNIQUE REFERENCES users(id),
			referred_name VARCHAR(200),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_referral_owner ON referral_links(owner_id);
	`)
	return err
}

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, link *Link) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_links (id, owner_id, referred_id, referred_name)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (referred_id) DO NOTHING
	`, link.ID, link.OwnerID, link.ReferredID, link.ReferredName)
	if err != nil {
		return false, fmt.Errorf("insert referral link: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (p *PostgresStore) GetByReferred(ctx context.Context, referredID string) (*Link, error) {
	link := &Link{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, referred_id, COALESCE(referred_name, ''), created_at
		FROM referral_links WHERE referred_id = $1
	`, referredID).Scan(&link.ID, &link.OwnerID, &link.ReferredID, &link.ReferredName, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotLinked
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}
