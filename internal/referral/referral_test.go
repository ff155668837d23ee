package referral

import (
	"context"
	"errors"
	"testing"

	"github.com/solvpn/solvpn/internal/money"
)

func TestLink_ExactlyOnce(t *testing.T) {
	svc := NewService(NewMemoryStore(), 10)
	ctx := context.Background()

	created, err := svc.Link(ctx, "usr_owner", "usr_ref", "Alice")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !created {
		t.Fatal("first Link must create the edge")
	}

	// Retried /start deep link: no duplicate, reported as already linked.
	created, err = svc.Link(ctx, "usr_owner", "usr_ref", "Alice")
	if err != nil {
		t.Fatalf("second Link: %v", err)
	}
	if created {
		t.Error("second Link must not create a new edge")
	}

	// Even a different owner cannot re-link an already referred user.
	created, err = svc.Link(ctx, "usr_other", "usr_ref", "Alice")
	if err != nil || created {
		t.Errorf("re-link by other owner: created=%v err=%v", created, err)
	}

	link, err := svc.OwnerOf(ctx, "usr_ref")
	if err != nil {
		t.Fatalf("OwnerOf: %v", err)
	}
	if link.OwnerID != "usr_owner" {
		t.Errorf("owner = %s, want usr_owner", link.OwnerID)
	}
}

func TestLink_SelfReferral(t *testing.T) {
	svc := NewService(NewMemoryStore(), 10)
	if _, err := svc.Link(context.Background(), "usr_a", "usr_a", ""); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}
}

func TestOwnerOf_NotLinked(t *testing.T) {
	svc := NewService(NewMemoryStore(), 10)
	if _, err := svc.OwnerOf(context.Background(), "usr_lonely"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestCommission_RoundsDown(t *testing.T) {
	svc := NewService(NewMemoryStore(), 10)

	if got := svc.Commission(1000); got != 100 {
		t.Errorf("Commission(1000) = %d, want 100", got)
	}
	if got := svc.Commission(999); got != 99 {
		t.Errorf("Commission(999) = %d, want 99", got)
	}
	if got := svc.Commission(money.Amount(5)); got != 0 {
		t.Errorf("Commission(5) = %d, want 0", got)
	}
}

func TestCode_RoundTrip(t *testing.T) {
	for _, id := range []int64{1, 255, 256, 123456789, 7205759403792793} {
		code := EncodeCode(id)
		got, err := DecodeCode(code)
		if err != nil {
			t.Fatalf("DecodeCode(%q): %v", code, err)
		}
		if got != id {
			t.Errorf("round trip %d → %q → %d", id, code, got)
		}
	}
}

func TestDecodeCode_Invalid(t *testing.T) {
	for _, code := range []string{"", "0OIl", "zzzzzzzzzzzzzzzzzzzz"} {
		if _, err := DecodeCode(code); err == nil {
			t.Errorf("DecodeCode(%q) succeeded, want error", code)
		}
	}
}
