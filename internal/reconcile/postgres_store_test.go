//go:build integration

package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"

	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
)

func setupSettlementDB(t *testing.T) (*PostgresSettlement, *ledger.PostgresStore, *invoice.PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	accounts := ledger.NewPostgresStore(db)
	if err := accounts.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate users: %v", err)
	}
	invoices := invoice.NewPostgresStore(db)
	if err := invoices.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate invoices: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM invoices")
		db.ExecContext(ctx, "DELETE FROM ledger_entries")
		db.ExecContext(ctx, "DELETE FROM users")
		db.Close()
	}
	return NewPostgresSettlement(db), accounts, invoices, cleanup
}

func TestPostgresSettlement_PaidOnce(t *testing.T) {
	settler, accounts, invoices, cleanup := setupSettlementDB(t)
	defer cleanup()
	ctx := context.Background()

	u, _, err := accounts.CreateIfAbsent(ctx, &ledger.User{ID: "usr_s1", TelegramID: 9101})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := invoices.Create(ctx, &invoice.Invoice{
		ID: "inv_s1", UserID: u.ID, Platform: "cryptopay", Purpose: invoice.PurposeTopUp, Amount: 500,
	}); err != nil {
		t.Fatalf("Create invoice: %v", err)
	}

	inv, err := settler.Settle(ctx, "inv_s1", invoice.StatusPaid)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if inv.Status != invoice.StatusPaid {
		t.Errorf("status = %s, want paid", inv.Status)
	}

	got, err := accounts.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Balance != 500 {
		t.Errorf("balance = %d, want 500", got.Balance)
	}

	if _, err := settler.Settle(ctx, "inv_s1", invoice.StatusPaid); !errors.Is(err, invoice.ErrAlreadyResolved) {
		t.Errorf("second settle: got %v, want ErrAlreadyResolved", err)
	}
	if _, err := settler.Settle(ctx, "inv_ghost", invoice.StatusPaid); !errors.Is(err, invoice.ErrNotFound) {
		t.Errorf("unknown invoice: got %v, want ErrNotFound", err)
	}
}

func TestPostgresSettlement_ConcurrentDeliveries(t *testing.T) {
	settler, accounts, invoices, cleanup := setupSettlementDB(t)
	defer cleanup()
	ctx := context.Background()

	u, _, err := accounts.CreateIfAbsent(ctx, &ledger.User{ID: "usr_s2", TelegramID: 9102})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := invoices.Create(ctx, &invoice.Invoice{
		ID: "inv_s2", UserID: u.ID, Platform: "cryptopay", Purpose: invoice.PurposeTopUp, Amount: 500,
	}); err != nil {
		t.Fatalf("Create invoice: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := settler.Settle(ctx, "inv_s2", invoice.StatusPaid); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	got, _ := accounts.Get(ctx, u.ID)
	if got.Balance != 500 {
		t.Errorf("balance = %d, want 500", got.Balance)
	}
}

func TestPostgresSettlement_ExpiredNoCredit(t *testing.T) {
	settler, accounts, invoices, cleanup := setupSettlementDB(t)
	defer cleanup()
	ctx := context.Background()

	u, _, err := accounts.CreateIfAbsent(ctx, &ledger.User{ID: "usr_s3", TelegramID: 9103})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := invoices.Create(ctx, &invoice.Invoice{
		ID: "inv_s3", UserID: u.ID, Platform: "cryptopay", Purpose: invoice.PurposeTopUp, Amount: 500,
	}); err != nil {
		t.Fatalf("Create invoice: %v", err)
	}

	if _, err := settler.Settle(ctx, "inv_s3", invoice.StatusExpired); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got, _ := accounts.Get(ctx, u.ID)
	if got.Balance != 0 {
		t.Errorf("balance = %d, want 0", got.Balance)
	}
}
