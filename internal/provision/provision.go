// Package provision integrates the VPN panel that issues subscriptions.
//
// The panel owns the actual accounts; this package wraps its HTTP API
// behind the Client interface and mirrors issued subscriptions into the
// sublinks table. Expiry is a status value, not a deletion: rows are kept
// and updated on every status poll.
package provision

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSublinkNotFound  = errors.New("provision: sublink not found")
	ErrPanelUnavailable = errors.New("provision: panel unavailable")
)

// Entitlement is a provisioned subscription as reported by the panel.
type Entitlement struct {
	Username          string    `json:"username"`
	ConnectionURL     string    `json:"connectionUrl"`
	ExpiresAt         time.Time `json:"expiresAt"`
	TrafficLimitBytes int64     `json:"trafficLimitBytes"`
	TrafficUsedBytes  int64     `json:"trafficUsedBytes"`
	Status            string    `json:"status"` // active, expired, disabled
}

// Client talks to the entitlement provider.
type Client interface {
	// CreateEntitlement provisions a subscription for months×30 days with
	// the given traffic allowance (0 = unlimited).
	CreateEntitlement(ctx context.Context, telegramID int64, months int, trafficLimitBytes int64) (*Entitlement, error)
	// GetByTelegramID returns all subscriptions the panel holds for a user.
	GetByTelegramID(ctx context.Context, telegramID int64) ([]*Entitlement, error)
}

// Sublink is the local record of an issued subscription.
type Sublink struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PlanID       string    `json:"planId,omitempty"`
	Username     string    `json:"username"`
	URL          string    `json:"url"` // unique connection URL
	ExpiresAt    time.Time `json:"expiresAt"`
	TrafficLimit int64     `json:"trafficLimitBytes"`
	TrafficUsed  int64     `json:"trafficUsedBytes"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists sublinks.
type Store interface {
	Create(ctx context.Context, s *Sublink) error
	ListByUser(ctx context.Context, userID string) ([]*Sublink, error)
	// UpdateStatus mirrors the provider's view after a poll.
	UpdateStatus(ctx context.Context, id, status string, trafficUsed int64, expiresAt time.Time) error
}
