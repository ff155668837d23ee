// Package ledger tracks subscriber accounts and balances.
//
// Flow:
//  1. User tops up via the payment processor, the reconciler credits the balance
//  2. User buys a plan, the purchase flow debits the balance
//  3. Referral commissions credit the referring user's balance
//
// The store is the only holder of balance state; callers never cache a
// balance across calls. Debits are a single conditional update so that
// concurrent purchase attempts cannot overdraw.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/solvpn/solvpn/internal/idgen"
	"github.com/solvpn/solvpn/internal/money"
)

var (
	ErrUserNotFound        = errors.New("ledger: user not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
)

// EntryType classifies a balance movement.
type EntryType string

const (
	EntryTopUp      EntryType = "topup"
	EntryPurchase   EntryType = "purchase"
	EntryCommission EntryType = "commission"
	EntryRefund     EntryType = "refund"
)

// FlowStep names a purchase conversation state. Persisted with the user so
// an in-flight purchase survives a process restart.
type FlowStep string

const (
	StepIdle            FlowStep = "idle"
	StepRateChosen      FlowStep = "rate_chosen"
	StepDurationChosen  FlowStep = "duration_chosen"
	StepConfirmed       FlowStep = "confirmed"
	StepAwaitingPayment FlowStep = "awaiting_payment"
)

// FlowState is the transient context of the purchase conversation.
type FlowState struct {
	Step   FlowStep `json:"step"`
	PlanID string   `json:"planId,omitempty"`
	Months int      `json:"months,omitempty"`
}

// User is a subscriber account.
type User struct {
	ID         string       `json:"id"`
	TelegramID int64        `json:"telegramId"`
	Username   string       `json:"username,omitempty"`
	Name       string       `json:"name,omitempty"`
	Locale     string       `json:"locale,omitempty"`
	Balance    money.Amount `json:"balance"`
	Flow       FlowState    `json:"flow"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Entry is one balance movement, recorded in the same transaction as the
// balance change itself.
type Entry struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Type      EntryType    `json:"type"`
	Amount    money.Amount `json:"amount"` // positive = credit, negative = debit
	Reference string       `json:"reference,omitempty"` // invoice id, sublink id
	CreatedAt time.Time    `json:"createdAt"`
}

// Store persists users and balance entries.
type Store interface {
	// CreateIfAbsent inserts the user keyed by Telegram ID, returning the
	// stored row and whether it was newly created.
	CreateIfAbsent(ctx context.Context, u *User) (*User, bool, error)
	Get(ctx context.Context, id string) (*User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*User, error)

	// Credit atomically adds amount to the balance and records an entry.
	Credit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error
	// Debit atomically subtracts amount where the balance covers it,
	// recording an entry; returns ErrInsufficientBalance otherwise.
	Debit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error

	SaveFlowState(ctx context.Context, userID string, st FlowState) error
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Ledger wraps a Store with input validation.
type Ledger struct {
	store Store
}

// New creates a new ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Register finds or creates the account for a Telegram identity.
func (l *Ledger) Register(ctx context.Context, telegramID int64, username, name, locale string) (*User, bool, error) {
	return l.store.CreateIfAbsent(ctx, &User{
		ID:         idgen.WithPrefix("usr_"),
		TelegramID: telegramID,
		Username:   username,
		Name:       name,
		Locale:     locale,
		Flow:       FlowState{Step: StepIdle},
	})
}

// ByTelegramID returns the account for a Telegram identity.
func (l *Ledger) ByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	return l.store.GetByTelegramID(ctx, telegramID)
}

// Get returns the account by internal ID.
func (l *Ledger) Get(ctx context.Context, id string) (*User, error) {
	return l.store.Get(ctx, id)
}

// Credit adds funds to an account.
func (l *Ledger) Credit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, userID, amount, typ, reference)
}

// Debit removes funds from an account, failing without mutation when the
// balance does not cover the amount.
func (l *Ledger) Debit(ctx context.Context, userID string, amount money.Amount, typ EntryType, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.Debit(ctx, userID, amount, typ, reference)
}

// SaveFlowState persists the purchase conversation state.
func (l *Ledger) SaveFlowState(ctx context.Context, userID string, st FlowState) error {
	return l.store.SaveFlowState(ctx, userID, st)
}

// History returns recent balance entries for an account.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}
