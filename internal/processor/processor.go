// Package processor integrates the external payment processor that hosts
// invoices. The processor knows nothing about our ledger: it receives an
// amount and our invoice ID as an opaque payload, and reports outcomes
// back through signed webhooks handled elsewhere.
package processor

import (
	"context"
	"errors"

	"github.com/solvpn/solvpn/internal/money"
)

var ErrProcessorUnavailable = errors.New("processor: unavailable")

// CreateRequest describes the hosted invoice to open.
type CreateRequest struct {
	// InvoiceID is our invoice identifier, carried as the processor's
	// opaque payload so webhook deliveries can be matched back.
	InvoiceID   string
	Amount      money.Amount
	Currency    string
	Description string
	// ExpiresIn is the hosted invoice lifetime in seconds.
	ExpiresIn int
}

// HostedInvoice is the processor's side of an open invoice.
type HostedInvoice struct {
	ExternalID string
	PayURL     string
	Status     string
}

// Client creates hosted invoices at the payment processor.
type Client interface {
	CreateInvoice(ctx context.Context, req CreateRequest) (*HostedInvoice, error)
}
