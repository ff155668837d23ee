// Package invoice tracks payment requests through their lifecycle.
//
// An invoice is created as pending when a payment is initiated and moves to
// exactly one terminal state (paid, expired, failed) via the reconciler.
// Terminal states never revert; under at-least-once webhook delivery the
// conditional transition is what collapses duplicate callbacks into a
// single balance credit.
package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/solvpn/solvpn/internal/money"
)

var (
	ErrNotFound        = errors.New("invoice: not found")
	ErrAlreadyResolved = errors.New("invoice: already resolved")
)

// Status is the lifecycle state of an invoice.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed
}

// Purpose records why the invoice was raised. A paid topup stops at the
// balance credit; a paid plan invoice additionally triggers a purchase
// completion from the credited balance.
type Purpose string

const (
	PurposeTopUp Purpose = "topup"
	PurposePlan  Purpose = "plan"
)

// Invoice is a record of a requested payment.
type Invoice struct {
	ID         string       `json:"id"`
	UserID     string       `json:"userId"`
	Platform   string       `json:"platform"` // payment processor tag, e.g. "cryptopay"
	Purpose    Purpose      `json:"purpose"`
	PlanID     string       `json:"planId,omitempty"`
	Months     int          `json:"months,omitempty"`
	Amount     money.Amount `json:"amount"`
	Status     Status       `json:"status"`
	ExternalID string       `json:"externalId,omitempty"` // processor-side invoice id
	PayURL     string       `json:"payUrl,omitempty"`     // hosted payment page
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Store persists invoices. Terminal transitions are not part of this
// interface: they are owned by the reconciler's settlement store, which
// couples the status flip to the balance credit.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	// AttachExternal records the processor-side id and hosted payment URL
	// once the processor has accepted the invoice.
	AttachExternal(ctx context.Context, id, externalID, payURL string) error
	// ListPending returns the user's outstanding invoices, newest first.
	ListPending(ctx context.Context, userID string, limit int) ([]*Invoice, error)
}
