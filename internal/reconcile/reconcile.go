// Package reconcile turns payment-processor callbacks into ledger state.
//
// The processor delivers webhooks at least once, so every path here must be
// idempotent: the invoice status flip is a conditional transition out of
// pending, and the balance credit rides in the same transaction as the flip.
// Duplicate deliveries lose the transition and are absorbed as
// already-processed. Side effects that live outside the transaction
// (notifications, referral commission, plan completion) run only for the
// delivery that won.
package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
	"github.com/solvpn/solvpn/internal/referral"
)

// Outcome classifies the result of processing one webhook delivery.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeInvalidPayload   Outcome = "invalid_payload"
	OutcomeUnknownEvent     Outcome = "unknown_event"
	OutcomeInvoiceNotFound  Outcome = "invoice_not_found"
)

// Event is the processor's webhook body.
type Event struct {
	Name    string `json:"name"`
	Payload struct {
		InvoiceID string `json:"invoice_id"`
	} `json:"payload"`
}

// eventStatus maps processor event names to terminal invoice states.
var eventStatus = map[string]invoice.Status{
	"invoice_paid":    invoice.StatusPaid,
	"invoice_expired": invoice.StatusExpired,
	"invoice_failed":  invoice.StatusFailed,
}

// Result is what one delivery did.
type Result struct {
	Outcome Outcome
	Invoice *invoice.Invoice
}

// SettlementStore applies a terminal transition. For a paid settlement the
// status flip and the balance credit must be impossible to apply partially.
type SettlementStore interface {
	// Settle moves the pending invoice with the given ID to the terminal
	// status, crediting the invoice amount to its user when to is paid.
	// Returns invoice.ErrNotFound for unknown IDs and
	// invoice.ErrAlreadyResolved when the invoice is no longer pending.
	Settle(ctx context.Context, invoiceID string, to invoice.Status) (*invoice.Invoice, error)
}

// PurchaseCompleter finishes a plan purchase after its invoice settles as
// paid. Implemented by the purchase flow; failures leave the credited
// balance in place for a manual retry.
type PurchaseCompleter interface {
	CompletePaid(ctx context.Context, inv *invoice.Invoice) error
}

// Notifier is the subset of notify.Notifier the reconciler needs.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of raw
// under secret. It never errors: a missing secret or signature is a plain
// false, and the comparison is constant time.
func VerifySignature(raw []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Reconciler applies verified webhook deliveries to the ledger.
type Reconciler struct {
	settler   SettlementStore
	ledger    *ledger.Ledger
	referrals *referral.Service
	notifier  Notifier
	completer PurchaseCompleter
	logger    *slog.Logger
}

// New creates a reconciler. completer may be nil when plan invoices are not
// in use; notifier may be nil to disable messages.
func New(settler SettlementStore, l *ledger.Ledger, referrals *referral.Service, notifier Notifier, completer PurchaseCompleter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		settler:   settler,
		ledger:    l,
		referrals: referrals,
		notifier:  notifier,
		completer: completer,
		logger:    logger,
	}
}

// Reconcile processes one verified delivery. The raw body has already passed
// signature verification; everything past this point is payload validation
// and settlement. Only infrastructure failures surface as errors; business
// rejections come back as outcomes so the handler can map them to statuses.
func (r *Reconciler) Reconcile(ctx context.Context, raw []byte) (Result, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Result{Outcome: OutcomeInvalidPayload}, nil
	}
	if ev.Payload.InvoiceID == "" {
		return Result{Outcome: OutcomeInvalidPayload}, nil
	}

	to, ok := eventStatus[ev.Name]
	if !ok {
		return Result{Outcome: OutcomeUnknownEvent}, nil
	}

	inv, err := r.settler.Settle(ctx, ev.Payload.InvoiceID, to)
	switch {
	case errors.Is(err, invoice.ErrNotFound):
		return Result{Outcome: OutcomeInvoiceNotFound}, nil
	case errors.Is(err, invoice.ErrAlreadyResolved):
		r.logger.Info("duplicate webhook delivery absorbed",
			"invoice", ev.Payload.InvoiceID, "event", ev.Name)
		return Result{Outcome: OutcomeAlreadyProcessed}, nil
	case err != nil:
		return Result{}, fmt.Errorf("settle invoice %s: %w", ev.Payload.InvoiceID, err)
	}

	if to == invoice.StatusPaid {
		r.afterPaid(ctx, inv)
	} else {
		r.notifyStatus(ctx, inv, to)
	}
	return Result{Outcome: OutcomeOK, Invoice: inv}, nil
}

// afterPaid runs the post-commit side effects of a paid settlement. The
// credit is already durable; anything that fails here is logged and left
// for operators rather than rolled back.
func (r *Reconciler) afterPaid(ctx context.Context, inv *invoice.Invoice) {
	user, err := r.ledger.Get(ctx, inv.UserID)
	if err != nil {
		r.logger.Error("load payer after settlement", "invoice", inv.ID, "error", err)
		return
	}

	r.send(ctx, user.TelegramID, fmt.Sprintf("Payment of %s received.", inv.Amount))
	r.payCommission(ctx, inv)

	if inv.Purpose == invoice.PurposePlan && r.completer != nil {
		if err := r.completer.CompletePaid(ctx, inv); err != nil {
			r.logger.Error("complete plan purchase after settlement",
				"invoice", inv.ID, "user", inv.UserID, "error", err)
		}
	}
}

// payCommission credits the referrer's share of a paid invoice. Runs once
// per invoice because the settlement transition runs once.
func (r *Reconciler) payCommission(ctx context.Context, inv *invoice.Invoice) {
	if r.referrals == nil {
		return
	}
	link, err := r.referrals.OwnerOf(ctx, inv.UserID)
	if errors.Is(err, referral.ErrNotLinked) {
		return
	}
	if err != nil {
		r.logger.Error("referral lookup", "invoice", inv.ID, "error", err)
		return
	}

	commission := r.referrals.Commission(inv.Amount)
	if !commission.IsPositive() {
		return
	}
	if err := r.ledger.Credit(ctx, link.OwnerID, commission, ledger.EntryCommission, inv.ID); err != nil {
		r.logger.Error("credit referral commission",
			"invoice", inv.ID, "owner", link.OwnerID, "error", err)
		return
	}

	owner, err := r.ledger.Get(ctx, link.OwnerID)
	if err == nil {
		r.send(ctx, owner.TelegramID, fmt.Sprintf("Referral commission of %s credited.", commission))
	}
}

func (r *Reconciler) notifyStatus(ctx context.Context, inv *invoice.Invoice, to invoice.Status) {
	user, err := r.ledger.Get(ctx, inv.UserID)
	if err != nil {
		return
	}
	switch to {
	case invoice.StatusExpired:
		r.send(ctx, user.TelegramID, "Your invoice expired. Start a new payment when ready.")
	case invoice.StatusFailed:
		r.send(ctx, user.TelegramID, "Your payment failed. No funds were taken.")
	}
}

func (r *Reconciler) send(ctx context.Context, chatID int64, text string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Send(ctx, chatID, text); err != nil {
		r.logger.Warn("notification failed", "chat", chatID, "error", err)
	}
}
