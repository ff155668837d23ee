// Package referral tracks who invited whom and computes commissions.
//
// A user may be referred by at most one owner, established once via a
// /start deep link and immutable afterward. When the referred user's
// payment is reconciled, the owner's balance is credited with a percentage
// of the amount, rounded down to the smallest currency unit.
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/mr-tron/base58"

	"github.com/solvpn/solvpn/internal/idgen"
	"github.com/solvpn/solvpn/internal/money"
)

var (
	ErrNotLinked    = errors.New("referral: user has no referrer")
	ErrSelfReferral = errors.New("referral: cannot refer yourself")
)

// Link is an owner→referred edge.
type Link struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	ReferredID   string    `json:"referredId"`
	ReferredName string    `json:"referredName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists referral links.
type Store interface {
	// CreateIfAbsent inserts the edge unless the referred user already has
	// one; reports whether the edge is new.
	CreateIfAbsent(ctx context.Context, link *Link) (bool, error)
	GetByReferred(ctx context.Context, referredID string) (*Link, error)
}

// Service provides referral linking and commission arithmetic.
type Service struct {
	store   Store
	percent int64
}

// NewService creates a referral service with the given commission percent.
func NewService(store Store, percent int64) *Service {
	return &Service{store: store, percent: percent}
}

// Link establishes the owner→referred edge. It is idempotent: a retried
// deep link reports created=false and leaves the original edge untouched.
func (s *Service) Link(ctx context.Context, ownerID, referredID, referredName string) (bool, error) {
	if ownerID == referredID {
		return false, ErrSelfReferral
	}
	return s.store.CreateIfAbsent(ctx, &Link{
		ID:           idgen.WithPrefix("ref_"),
		OwnerID:      ownerID,
		ReferredID:   referredID,
		ReferredName: referredName,
	})
}

// OwnerOf returns the referral edge for a payer, or ErrNotLinked.
func (s *Service) OwnerOf(ctx context.Context, referredID string) (*Link, error) {
	return s.store.GetByReferred(ctx, referredID)
}

// Commission returns the owner's share of a payment, rounded down.
func (s *Service) Commission(amount money.Amount) money.Amount {
	return money.PercentFloor(amount, s.percent)
}

// Percent returns the configured commission percentage.
func (s *Service) Percent() int64 { return s.percent }

// EncodeCode renders a Telegram ID as the compact deep-link payload users
// share: t.me/<bot>?start=<code>.
func EncodeCode(telegramID int64) string {
	buf := make([]byte, 0, 10)
	for v := uint64(telegramID); ; v >>= 8 {
		buf = append([]byte{byte(v)}, buf...)
		if v < 256 {
			break
		}
	}
	return base58.Encode(buf)
}

// DecodeCode parses a deep-link payload back into a Telegram ID.
func DecodeCode(code string) (int64, error) {
	raw, err := base58.Decode(code)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 || len(raw) > 8 {
		return 0, errors.New("referral: invalid code")
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return int64(v), nil
}
