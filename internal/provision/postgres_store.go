package provision

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed sublink store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sublinks table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sublinks (
			id            VARCHAR(36) PRIMARY KEY,
			user_id       VARCHAR(36) NOT NULL REFERENCES users(id),
			plan_id       VARCHAR(36),
			username      VARCHAR(100) NOT NULL,
			url           TEXT NOT NULL UNIQUE,
			expires_at    TIMESTAMPTZ NOT NULL,
			traffic_limit BIGINT NOT NULL DEFAULT 0,
			traffic_used  BIGINT NOT NULL DEFAULT 0,
			status        VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sublinks_user ON sublinks(user_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Sublink) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sublinks (id, user_id, plan_id, username, url, expires_at, traffic_limit, traffic_used, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
	`, s.ID, s.UserID, s.PlanID, s.Username, s.URL, s.ExpiresAt, s.TrafficLimit, s.TrafficUsed, s.Status)
	if err != nil {
		return fmt.Errorf("insert sublink: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Sublink, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(plan_id, ''), username, url, expires_at,
		       traffic_limit, traffic_used, status, created_at, updated_at
		FROM sublinks WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Sublink
	for rows.Next() {
		s := &Sublink{}
		if err := rows.Scan(&s.ID, &s.UserID, &s.PlanID, &s.Username, &s.URL, &s.ExpiresAt,
			&s.TrafficLimit, &s.TrafficUsed, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id, status string, trafficUsed int64, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sublinks SET status = $2, traffic_used = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, trafficUsed, expiresAt)
	if err != nil {
		return fmt.Errorf("update sublink: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSublinkNotFound
	}
	return nil
}
