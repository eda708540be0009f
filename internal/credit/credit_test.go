package credit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/polyrelay/polyrelay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "credit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// seedAccount creates the user row the credit account references.
func seedAccount(t *testing.T, s *store.SQLiteStore, userID string, balance int64, unlimited bool) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertUser(ctx, store.UserRecord{ID: userID, Name: userID}); err != nil {
		t.Fatalf("user %s: %v", userID, err)
	}
	if err := s.SetCreditAccount(ctx, userID, balance, unlimited); err != nil {
		t.Fatalf("account %s: %v", userID, err)
	}
}

func TestEnsureUsable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := NewMeter(s, Options{Enforce: true})

	seedAccount(t, s, "rich", 100, false)
	seedAccount(t, s, "broke", 0, false)
	seedAccount(t, s, "vip", 0, true)

	if err := m.EnsureUsable(ctx, "rich"); err != nil {
		t.Fatalf("funded user blocked: %v", err)
	}
	if err := m.EnsureUsable(ctx, "broke"); err == nil {
		t.Fatal("expected insufficient credit error")
	}
	if err := m.EnsureUsable(ctx, "vip"); err != nil {
		t.Fatalf("unlimited user blocked: %v", err)
	}
}

func TestEnsureUsableDisabled(t *testing.T) {
	s := newTestStore(t)
	m := NewMeter(s, Options{Enforce: false})
	if err := m.EnsureUsable(context.Background(), "anyone"); err != nil {
		t.Fatalf("enforcement off should never block: %v", err)
	}
}

func TestSettleDeductsCost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := NewMeter(s, Options{Enforce: true})

	seedAccount(t, s, "u1", 1000, false)
	if err := s.UpsertBillingConfig(ctx, store.BillingConfigRecord{
		LogicalModel: "model-x", BasePer1K: 10, Multiplier: 2,
	}); err != nil {
		t.Fatal(err)
	}

	m.Settle(ctx, Charge{
		UserID: "u1", RequestID: "req-1", LogicalModel: "model-x",
		ProviderID: "p1", BillingFactor: 1.5,
		InputTokens: 600, OutputTokens: 400,
	})

	// 10 * 2 * 1.5 * 1000/1000 = 30 units.
	balance, _, err := s.CreditBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 970 {
		t.Fatalf("balance = %d, want 970", balance)
	}
}

func TestSettleIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := NewMeter(s, Options{})

	seedAccount(t, s, "u1", 100, false)
	c := Charge{UserID: "u1", RequestID: "req-dup", LogicalModel: "m", InputTokens: 500, OutputTokens: 500}
	m.Settle(ctx, c)
	m.Settle(ctx, c)

	balance, _, err := s.CreditBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 99 {
		t.Fatalf("balance = %d, want 99 (single deduction)", balance)
	}
}

func TestSettleMinimumCharge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := NewMeter(s, Options{})

	seedAccount(t, s, "u1", 10, false)
	m.Settle(ctx, Charge{UserID: "u1", RequestID: "req-tiny", LogicalModel: "m", OutputTokens: 1})

	balance, _, err := s.CreditBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 9 {
		t.Fatalf("balance = %d, want 9 (minimum one unit)", balance)
	}
}

func TestPreChargeAndReconcile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := NewMeter(s, Options{PreCharge: true})

	seedAccount(t, s, "u1", 100, false)
	c := Charge{UserID: "u1", RequestID: "req-s", LogicalModel: "m"}

	// Reserve for 4000 tokens at the default 1 unit per 1k.
	m.PreCharge(ctx, c, 4000)
	balance, _, _ := s.CreditBalance(ctx, "u1")
	if balance != 96 {
		t.Fatalf("after precharge balance = %d, want 96", balance)
	}

	// Only 1000 tokens were used; 3 units come back.
	c.InputTokens, c.OutputTokens = 400, 600
	m.Reconcile(ctx, c, 4000)
	balance, _, _ = s.CreditBalance(ctx, "u1")
	if balance != 99 {
		t.Fatalf("after reconcile balance = %d, want 99", balance)
	}
}

func TestPreChargeDisabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := NewMeter(s, Options{PreCharge: false})

	seedAccount(t, s, "u1", 100, false)
	m.PreCharge(ctx, Charge{UserID: "u1", RequestID: "req-n", LogicalModel: "m"}, 4000)

	balance, _, _ := s.CreditBalance(ctx, "u1")
	if balance != 100 {
		t.Fatalf("balance = %d, want untouched 100", balance)
	}
}
