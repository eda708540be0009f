package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrate(t *testing.T) {
	s := newTestStore(t)
	// Running migrate twice should be idempotent.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestProvidersCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := ProviderRecord{
		ID: "anthropic-main", Name: "Anthropic", BaseURL: "https://api.anthropic.com",
		Transport: "http", ModelsPath: "/v1/models", MessagesPath: "/v1/messages",
		Styles: `["claude","openai"]`, RetryableStatuses: `[429,529]`,
		CustomHeaders: `{}`, BillingFactor: 1, BaseWeight: 2,
		StaticModels: `[]`, Visibility: "public", AllowedUsers: `[]`, Enabled: true,
	}
	if err := s.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	all, err := s.ListProviders(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(all))
	}
	if all[0].MessagesPath != "/v1/messages" {
		t.Errorf("messages path %q", all[0].MessagesPath)
	}

	p.BaseWeight = 3
	if err := s.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	all, _ = s.ListProviders(ctx)
	if all[0].BaseWeight != 3 {
		t.Errorf("expected updated weight 3, got %v", all[0].BaseWeight)
	}

	if err := s.DeleteProvider(ctx, "anthropic-main"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	all, _ = s.ListProviders(ctx)
	if len(all) != 0 {
		t.Errorf("expected 0 providers after delete, got %d", len(all))
	}
}

func TestProviderKeyCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProvider(ctx, ProviderRecord{
		ID: "p1", Name: "P1", Styles: `["openai"]`, RetryableStatuses: `[]`,
		CustomHeaders: `{}`, StaticModels: `[]`, Visibility: "public",
		AllowedUsers: `[]`, Enabled: true,
	}); err != nil {
		t.Fatalf("provider: %v", err)
	}
	if err := s.UpsertProviderKey(ctx, ProviderKeyRecord{
		ID: "k1", ProviderID: "p1", Label: "primary",
		Sealed: []byte{1, 2, 3}, Weight: 1, Status: "active",
	}); err != nil {
		t.Fatalf("key: %v", err)
	}

	keys, err := s.ListProviderKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Label != "primary" {
		t.Fatalf("unexpected keys %+v", keys)
	}

	if err := s.DeleteProvider(ctx, "p1"); err != nil {
		t.Fatalf("delete provider: %v", err)
	}
	keys, _ = s.ListProviderKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("expected cascade delete of keys, got %d", len(keys))
	}
}

func TestCallerKeyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, UserRecord{ID: "u1", Name: "alice"}); err != nil {
		t.Fatalf("user: %v", err)
	}
	if err := s.CreateCallerKey(ctx, CallerKeyRecord{
		ID: "ck1", UserID: "u1", KeyHash: "abc123", Name: "default",
		Active: true, AllowedProviders: []string{"p1"},
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}

	k, u, err := s.GetCallerKeyByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if k == nil || u == nil {
		t.Fatal("expected key and user")
	}
	if u.Name != "alice" {
		t.Errorf("user name %q", u.Name)
	}
	if len(k.AllowedProviders) != 1 || k.AllowedProviders[0] != "p1" {
		t.Errorf("allowed providers %v", k.AllowedProviders)
	}

	k, u, err = s.GetCallerKeyByHash(ctx, "missing")
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if k != nil || u != nil {
		t.Fatal("expected nil for unknown hash")
	}
}

func TestCreditTransactionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertUser(ctx, UserRecord{ID: "u1"})
	if err := s.SetCreditAccount(ctx, "u1", 1000, false); err != nil {
		t.Fatalf("account: %v", err)
	}

	tx := CreditTransaction{
		UserID: "u1", Amount: -42, IdempotencyKey: "req-1:settle",
		Kind: "settle", RequestID: "req-1", LogicalModel: "gpt-best",
	}
	applied, err := s.ApplyCreditTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatal("first apply should deduct")
	}

	// Same idempotency key again: no double charge.
	applied, err = s.ApplyCreditTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if applied {
		t.Fatal("duplicate idempotency key must be a no-op")
	}

	balance, unlimited, err := s.CreditBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if unlimited {
		t.Error("account should not be unlimited")
	}
	if balance != 958 {
		t.Errorf("expected 958 after one deduction, got %d", balance)
	}

	txs, err := s.ListCreditTransactions(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list tx: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected single ledger entry, got %d", len(txs))
	}
}

func TestCreditBalanceUnknownUser(t *testing.T) {
	s := newTestStore(t)
	balance, unlimited, err := s.CreditBalance(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 || unlimited {
		t.Errorf("expected zero balance, got %d unlimited=%v", balance, unlimited)
	}
}

func TestBillingConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetBillingConfig(ctx, "gpt-best")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unconfigured model")
	}

	if err := s.UpsertBillingConfig(ctx, BillingConfigRecord{
		LogicalModel: "gpt-best", BasePer1K: 2.5, Multiplier: 1.2,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.GetBillingConfig(ctx, "gpt-best")
	if got == nil || got.BasePer1K != 2.5 {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestProviderHealthRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.UpsertProviderHealth(ctx, HealthRecord{
		ProviderID: "p1", Status: "degraded", CheckedAt: now,
		ResponseMs: 850, Error: "timeout on 1 of 3 probes", LastSuccess: now,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetProviderHealth(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != "degraded" || got.ResponseMs != 850 {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CheckedAt.Equal(now) {
		t.Errorf("checked_at %v != %v", got.CheckedAt, now)
	}
}

func TestInsertRouteMetricsBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []RouteMetricsRow{
		{Bucket: time.Now(), LogicalModel: "gpt-best", ProviderID: "p1", ModelID: "m1", Requests: 10, Errors: 1, P95Ms: 900},
		{Bucket: time.Now(), LogicalModel: "gpt-best", ProviderID: "p2", ModelID: "m2", Requests: 4},
	}
	if err := s.InsertRouteMetrics(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var n int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM route_metrics_history`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestInsertRouteMetricsUpsertsSameBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bucket := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	row := RouteMetricsRow{
		Bucket: bucket, LogicalModel: "gpt-best", ProviderID: "p1", ModelID: "m1",
		Requests: 10, Errors: 1, P95Ms: 900, InputTokens: 100, OutputTokens: 50, Status: "healthy",
	}
	if err := s.InsertRouteMetrics(ctx, []RouteMetricsRow{row}); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	// A second flush of the same dimension tuple folds into the existing
	// row: counters add, percentiles and status take the fresher values.
	row.Requests, row.Errors, row.P95Ms, row.Status = 5, 4, 1800, "degraded"
	row.InputTokens, row.OutputTokens = 40, 20
	if err := s.InsertRouteMetrics(ctx, []RouteMetricsRow{row}); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	var (
		n, requests, errs, input int
		p95                      float64
		status                   string
	)
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM route_metrics_history`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after re-flush, got %d", n)
	}
	if err := s.DB().QueryRowContext(ctx,
		`SELECT requests, errors, input_tokens, p95_ms, status FROM route_metrics_history`,
	).Scan(&requests, &errs, &input, &p95, &status); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if requests != 15 || errs != 5 || input != 140 {
		t.Errorf("counters requests=%d errors=%d input=%d", requests, errs, input)
	}
	if p95 != 1800 || status != "degraded" {
		t.Errorf("latest values p95=%v status=%q", p95, status)
	}
}
