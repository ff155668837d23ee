package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
	"github.com/solvpn/solvpn/internal/money"
	"github.com/solvpn/solvpn/internal/referral"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprintf("%d: %s", chatID, text))
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeCompleter struct {
	completed []*invoice.Invoice
}

func (f *fakeCompleter) CompletePaid(ctx context.Context, inv *invoice.Invoice) error {
	f.completed = append(f.completed, inv)
	return nil
}

type fixture struct {
	accounts  *ledger.MemoryStore
	ledger    *ledger.Ledger
	invoices  *invoice.MemoryStore
	referrals *referral.Service
	notifier  *fakeNotifier
	completer *fakeCompleter
	rec       *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		accounts:  ledger.NewMemoryStore(),
		invoices:  invoice.NewMemoryStore(),
		referrals: referral.NewService(referral.NewMemoryStore(), 10),
		notifier:  &fakeNotifier{},
		completer: &fakeCompleter{},
	}
	f.ledger = ledger.New(f.accounts)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.rec = New(NewMemorySettlement(f.invoices, f.accounts), f.ledger, f.referrals,
		f.notifier, f.completer, logger)
	return f
}

func (f *fixture) addUser(t *testing.T, telegramID int64) *ledger.User {
	t.Helper()
	u, _, err := f.ledger.Register(context.Background(), telegramID, "", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u
}

func (f *fixture) addInvoice(t *testing.T, userID string, amount money.Amount, purpose invoice.Purpose) *invoice.Invoice {
	t.Helper()
	inv := &invoice.Invoice{
		ID:       "inv_" + userID,
		UserID:   userID,
		Platform: "cryptopay",
		Purpose:  purpose,
		Amount:   amount,
	}
	if err := f.invoices.Create(context.Background(), inv); err != nil {
		t.Fatalf("Create invoice: %v", err)
	}
	return inv
}

func paidEvent(invoiceID string) []byte {
	return []byte(`{"name":"invoice_paid","payload":{"invoice_id":"` + invoiceID + `"}}`)
}

func TestVerifySignature(t *testing.T) {
	raw := []byte(`{"name":"invoice_paid","payload":{"invoice_id":"inv_7"}}`)
	// hex(HMAC-SHA256("secret", raw))
	sig := signBody(raw, "secret")

	if !VerifySignature(raw, sig, "secret") {
		t.Error("valid signature rejected")
	}
	if VerifySignature(raw, sig, "other-secret") {
		t.Error("signature accepted under wrong secret")
	}
	if VerifySignature([]byte(`{"name":"invoice_paid"}`), sig, "secret") {
		t.Error("signature accepted for different body")
	}
	if VerifySignature(raw, "", "secret") {
		t.Error("missing signature accepted")
	}
	if VerifySignature(raw, sig, "") {
		t.Error("missing secret accepted")
	}
}

func TestReconcile_PaidCreditsExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := f.addUser(t, 100)
	inv := f.addInvoice(t, user.ID, 500, invoice.PurposeTopUp)

	res, err := f.rec.Reconcile(ctx, paidEvent(inv.ID))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", res.Outcome)
	}
	if res.Invoice.Status != invoice.StatusPaid {
		t.Errorf("status = %s, want paid", res.Invoice.Status)
	}

	got, _ := f.ledger.Get(ctx, user.ID)
	if got.Balance != 500 {
		t.Errorf("balance = %d, want 500", got.Balance)
	}

	// Redelivery: absorbed, no second credit.
	res, err = f.rec.Reconcile(ctx, paidEvent(inv.ID))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("redelivery outcome = %s, want already_processed", res.Outcome)
	}
	got, _ = f.ledger.Get(ctx, user.ID)
	if got.Balance != 500 {
		t.Errorf("balance after redelivery = %d, want 500", got.Balance)
	}

	entries, _ := f.ledger.History(ctx, user.ID, 10)
	if len(entries) != 1 || entries[0].Type != ledger.EntryTopUp || entries[0].Reference != inv.ID {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestReconcile_ManyDeliveriesOneCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := f.addUser(t, 100)
	inv := f.addInvoice(t, user.ID, 500, invoice.PurposeTopUp)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.rec.Reconcile(ctx, paidEvent(inv.ID))
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[OutcomeOK] != 1 {
		t.Errorf("ok outcomes = %d, want exactly 1 (all: %v)", outcomes[OutcomeOK], outcomes)
	}
	got, _ := f.ledger.Get(ctx, user.ID)
	if got.Balance != 500 {
		t.Errorf("balance = %d, want 500", got.Balance)
	}
}

func TestReconcile_ExpiredNoCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := f.addUser(t, 100)
	inv := f.addInvoice(t, user.ID, 500, invoice.PurposeTopUp)

	res, err := f.rec.Reconcile(ctx, []byte(`{"name":"invoice_expired","payload":{"invoice_id":"`+inv.ID+`"}}`))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeOK || res.Invoice.Status != invoice.StatusExpired {
		t.Fatalf("outcome = %s status = %s", res.Outcome, res.Invoice.Status)
	}
	got, _ := f.ledger.Get(ctx, user.ID)
	if got.Balance != 0 {
		t.Errorf("balance = %d, want 0", got.Balance)
	}
}

func TestReconcile_LateContradictoryCallbackIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := f.addUser(t, 100)
	inv := f.addInvoice(t, user.ID, 500, invoice.PurposeTopUp)

	if res, _ := f.rec.Reconcile(ctx, paidEvent(inv.ID)); res.Outcome != OutcomeOK {
		t.Fatalf("paid outcome = %s", res.Outcome)
	}

	// A late expired callback for a paid invoice must not revert anything.
	res, err := f.rec.Reconcile(ctx, []byte(`{"name":"invoice_expired","payload":{"invoice_id":"`+inv.ID+`"}}`))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Errorf("outcome = %s, want already_processed", res.Outcome)
	}
	stored, _ := f.invoices.Get(ctx, inv.ID)
	if stored.Status != invoice.StatusPaid {
		t.Errorf("status = %s, want paid", stored.Status)
	}
}

func TestReconcile_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := []struct {
		name string
		body string
		want Outcome
	}{
		{"malformed json", `{"name": `, OutcomeInvalidPayload},
		{"missing invoice id", `{"name":"invoice_paid","payload":{}}`, OutcomeInvalidPayload},
		{"unknown event", `{"name":"invoice_refunded","payload":{"invoice_id":"inv_1"}}`, OutcomeUnknownEvent},
		{"unknown invoice", `{"name":"invoice_paid","payload":{"invoice_id":"inv_ghost"}}`, OutcomeInvoiceNotFound},
	}
	for _, tc := range cases {
		res, err := f.rec.Reconcile(ctx, []byte(tc.body))
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if res.Outcome != tc.want {
			t.Errorf("%s: outcome = %s, want %s", tc.name, res.Outcome, tc.want)
		}
	}
}

func TestReconcile_ReferralCommission(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := f.addUser(t, 100)
	payer := f.addUser(t, 200)
	if _, err := f.referrals.Link(ctx, owner.ID, payer.ID, "Payer"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	inv := f.addInvoice(t, payer.ID, 999, invoice.PurposeTopUp)
	if res, _ := f.rec.Reconcile(ctx, paidEvent(inv.ID)); res.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	// 10% of 999 floors to 99.
	gotOwner, _ := f.ledger.Get(ctx, owner.ID)
	if gotOwner.Balance != 99 {
		t.Errorf("owner balance = %d, want 99", gotOwner.Balance)
	}
	entries, _ := f.ledger.History(ctx, owner.ID, 10)
	if len(entries) != 1 || entries[0].Type != ledger.EntryCommission {
		t.Errorf("owner entries: %+v", entries)
	}

	// Redelivery pays no second commission.
	f.rec.Reconcile(ctx, paidEvent(inv.ID))
	gotOwner, _ = f.ledger.Get(ctx, owner.ID)
	if gotOwner.Balance != 99 {
		t.Errorf("owner balance after redelivery = %d, want 99", gotOwner.Balance)
	}
}

func TestReconcile_PlanInvoiceTriggersCompletion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := f.addUser(t, 100)

	inv := f.addInvoice(t, user.ID, 300, invoice.PurposePlan)
	if res, _ := f.rec.Reconcile(ctx, paidEvent(inv.ID)); res.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	if len(f.completer.completed) != 1 || f.completer.completed[0].ID != inv.ID {
		t.Fatalf("completer calls: %+v", f.completer.completed)
	}

	// Top-up invoices never reach the completer.
	topup := f.addInvoice(t, user.ID, 100, invoice.PurposeTopUp)
	f.rec.Reconcile(ctx, paidEvent(topup.ID))
	if len(f.completer.completed) != 1 {
		t.Errorf("completer called for topup invoice")
	}
}

func TestReconcile_NotifiesPayer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := f.addUser(t, 100)
	inv := f.addInvoice(t, user.ID, 500, invoice.PurposeTopUp)

	f.rec.Reconcile(ctx, paidEvent(inv.ID))
	if f.notifier.count() != 1 {
		t.Fatalf("sent %d notifications, want 1", f.notifier.count())
	}
}
