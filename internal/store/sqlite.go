package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the system-of-record backed by modernc.org/sqlite
// (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT 'http',
			sdk_vendor TEXT NOT NULL DEFAULT '',
			models_path TEXT NOT NULL DEFAULT '/v1/models',
			messages_path TEXT NOT NULL DEFAULT '',
			chat_completions_path TEXT NOT NULL DEFAULT '',
			responses_path TEXT NOT NULL DEFAULT '',
			styles TEXT NOT NULL DEFAULT '["openai"]',
			retryable_statuses TEXT NOT NULL DEFAULT '[]',
			custom_headers TEXT NOT NULL DEFAULT '{}',
			browser_headers INTEGER NOT NULL DEFAULT 0,
			region TEXT NOT NULL DEFAULT '',
			cost_input_per_1k REAL NOT NULL DEFAULT 0,
			cost_output_per_1k REAL NOT NULL DEFAULT 0,
			billing_factor REAL NOT NULL DEFAULT 1,
			max_qps INTEGER NOT NULL DEFAULT 0,
			base_weight REAL NOT NULL DEFAULT 1,
			static_models TEXT NOT NULL DEFAULT '[]',
			visibility TEXT NOT NULL DEFAULT 'public',
			owner_id TEXT NOT NULL DEFAULT '',
			allowed_users TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS provider_api_keys (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			label TEXT NOT NULL DEFAULT '',
			sealed BLOB NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			max_qps INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_api_keys_provider ON provider_api_keys(provider_id)`,
		`CREATE TABLE IF NOT EXISTS provider_models (
			provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			model_id TEXT NOT NULL,
			family TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			context_length INTEGER NOT NULL DEFAULT 0,
			capabilities TEXT NOT NULL DEFAULT '["chat"]',
			price_input REAL NOT NULL DEFAULT 0,
			price_output REAL NOT NULL DEFAULT 0,
			alias TEXT NOT NULL DEFAULT '',
			disabled INTEGER NOT NULL DEFAULT 0,
			meta_hash TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (provider_id, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			superuser INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key_hash TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			allowed_providers TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			expires_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			balance INTEGER NOT NULL DEFAULT 0,
			unlimited INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			logical_model TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON credit_transactions(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS model_billing_configs (
			logical_model TEXT PRIMARY KEY,
			base_per_1k REAL NOT NULL DEFAULT 0,
			multiplier REAL NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS provider_health (
			provider_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'unknown',
			checked_at TEXT NOT NULL,
			response_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			last_success TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS route_metrics_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket TEXT NOT NULL,
			logical_model TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			key_id TEXT NOT NULL DEFAULT '',
			requests INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			p50_ms REAL NOT NULL DEFAULT 0,
			p95_ms REAL NOT NULL DEFAULT 0,
			p99_ms REAL NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_units REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_route_metrics_bucket ON route_metrics_history(bucket, logical_model)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_route_metrics_dims
			ON route_metrics_history(bucket, logical_model, provider_id, model_id, key_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Providers

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, transport, sdk_vendor, models_path, messages_path,
		 chat_completions_path, responses_path, styles, retryable_statuses, custom_headers,
		 browser_headers, region, cost_input_per_1k, cost_output_per_1k, billing_factor,
		 max_qps, base_weight, static_models, visibility, owner_id, allowed_users, enabled
		 FROM providers`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderRecord
	for rows.Next() {
		var p ProviderRecord
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Transport, &p.SDKVendor,
			&p.ModelsPath, &p.MessagesPath, &p.ChatCompletionsPath, &p.ResponsesPath,
			&p.Styles, &p.RetryableStatuses, &p.CustomHeaders, &p.BrowserHeaders,
			&p.Region, &p.CostInputPer1K, &p.CostOutputPer1K, &p.BillingFactor,
			&p.MaxQPS, &p.BaseWeight, &p.StaticModels, &p.Visibility, &p.OwnerID,
			&p.AllowedUsers, &p.Enabled); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p ProviderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, base_url, transport, sdk_vendor, models_path,
		 messages_path, chat_completions_path, responses_path, styles, retryable_statuses,
		 custom_headers, browser_headers, region, cost_input_per_1k, cost_output_per_1k,
		 billing_factor, max_qps, base_weight, static_models, visibility, owner_id,
		 allowed_users, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, base_url=excluded.base_url, transport=excluded.transport,
		   sdk_vendor=excluded.sdk_vendor, models_path=excluded.models_path,
		   messages_path=excluded.messages_path,
		   chat_completions_path=excluded.chat_completions_path,
		   responses_path=excluded.responses_path, styles=excluded.styles,
		   retryable_statuses=excluded.retryable_statuses,
		   custom_headers=excluded.custom_headers, browser_headers=excluded.browser_headers,
		   region=excluded.region, cost_input_per_1k=excluded.cost_input_per_1k,
		   cost_output_per_1k=excluded.cost_output_per_1k,
		   billing_factor=excluded.billing_factor, max_qps=excluded.max_qps,
		   base_weight=excluded.base_weight, static_models=excluded.static_models,
		   visibility=excluded.visibility, owner_id=excluded.owner_id,
		   allowed_users=excluded.allowed_users, enabled=excluded.enabled`,
		p.ID, p.Name, p.BaseURL, p.Transport, p.SDKVendor, p.ModelsPath,
		p.MessagesPath, p.ChatCompletionsPath, p.ResponsesPath, p.Styles,
		p.RetryableStatuses, p.CustomHeaders, p.BrowserHeaders, p.Region,
		p.CostInputPer1K, p.CostOutputPer1K, p.BillingFactor, p.MaxQPS,
		p.BaseWeight, p.StaticModels, p.Visibility, p.OwnerID, p.AllowedUsers, p.Enabled)
	return err
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

// Provider key pool

func (s *SQLiteStore) ListProviderKeys(ctx context.Context) ([]ProviderKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider_id, label, sealed, weight, max_qps, status FROM provider_api_keys`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderKeyRecord
	for rows.Next() {
		var k ProviderKeyRecord
		if err := rows.Scan(&k.ID, &k.ProviderID, &k.Label, &k.Sealed, &k.Weight, &k.MaxQPS, &k.Status); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertProviderKey(ctx context.Context, k ProviderKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_api_keys (id, provider_id, label, sealed, weight, max_qps, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider_id=excluded.provider_id, label=excluded.label, sealed=excluded.sealed,
		   weight=excluded.weight, max_qps=excluded.max_qps, status=excluded.status`,
		k.ID, k.ProviderID, k.Label, k.Sealed, k.Weight, k.MaxQPS, k.Status)
	return err
}

func (s *SQLiteStore) SetProviderKeyStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_api_keys SET status = ? WHERE id = ?`, status, id)
	return err
}

// Model catalog

func (s *SQLiteStore) ListProviderModels(ctx context.Context) ([]ProviderModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, model_id, family, display_name, context_length, capabilities,
		 price_input, price_output, alias, disabled, meta_hash FROM provider_models`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderModelRecord
	for rows.Next() {
		var m ProviderModelRecord
		if err := rows.Scan(&m.ProviderID, &m.ModelID, &m.Family, &m.DisplayName,
			&m.ContextLength, &m.Capabilities, &m.PriceInput, &m.PriceOutput,
			&m.Alias, &m.Disabled, &m.MetaHash); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertProviderModel(ctx context.Context, m ProviderModelRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_models (provider_id, model_id, family, display_name,
		 context_length, capabilities, price_input, price_output, alias, disabled, meta_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, model_id) DO UPDATE SET
		   family=excluded.family, display_name=excluded.display_name,
		   context_length=excluded.context_length, capabilities=excluded.capabilities,
		   price_input=excluded.price_input, price_output=excluded.price_output,
		   alias=excluded.alias, disabled=excluded.disabled, meta_hash=excluded.meta_hash`,
		m.ProviderID, m.ModelID, m.Family, m.DisplayName, m.ContextLength,
		m.Capabilities, m.PriceInput, m.PriceOutput, m.Alias, m.Disabled, m.MetaHash)
	return err
}

func (s *SQLiteStore) SetModelDisabled(ctx context.Context, providerID, modelID string, disabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_models SET disabled = ? WHERE provider_id = ? AND model_id = ?`,
		disabled, providerID, modelID)
	return err
}

// Users and caller keys

func (s *SQLiteStore) UpsertUser(ctx context.Context, u UserRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, superuser, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, superuser=excluded.superuser`,
		u.ID, u.Name, u.Superuser, u.CreatedAt.Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	var u UserRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, superuser, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Superuser, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

func (s *SQLiteStore) CreateCallerKey(ctx context.Context, k CallerKeyRecord) error {
	allowed, err := json.Marshal(k.AllowedProviders)
	if err != nil {
		return fmt.Errorf("marshal allowed providers: %w", err)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	var expires *string
	if k.ExpiresAt != nil {
		t := k.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, name, active, allowed_providers, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.KeyHash, k.Name, k.Active, string(allowed),
		k.CreatedAt.Format(time.RFC3339), expires)
	return err
}

// GetCallerKeyByHash looks up a caller key by the SHA-256 hash of its
// plaintext. Returns (nil, nil, nil) when no key matches.
func (s *SQLiteStore) GetCallerKeyByHash(ctx context.Context, hash string) (*CallerKeyRecord, *UserRecord, error) {
	var k CallerKeyRecord
	var u UserRecord
	var allowed, createdAt, userCreatedAt string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT k.id, k.user_id, k.key_hash, k.name, k.active, k.allowed_providers,
		 k.created_at, k.expires_at, u.id, u.name, u.superuser, u.created_at
		 FROM api_keys k JOIN users u ON u.id = k.user_id
		 WHERE k.key_hash = ?`, hash).
		Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, &k.Active, &allowed,
			&createdAt, &expires, &u.ID, &u.Name, &u.Superuser, &userCreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal([]byte(allowed), &k.AllowedProviders); err != nil {
		return nil, nil, fmt.Errorf("unmarshal allowed providers: %w", err)
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, userCreatedAt)
	return &k, &u, nil
}

func (s *SQLiteStore) SetCallerKeyActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = ? WHERE id = ?`, active, id)
	return err
}

// Credit ledger

// CreditBalance returns (balance, unlimited). An account that does not exist
// yet reads as zero balance.
func (s *SQLiteStore) CreditBalance(ctx context.Context, userID string) (int64, bool, error) {
	var balance int64
	var unlimited bool
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, unlimited FROM credit_accounts WHERE user_id = ?`, userID).
		Scan(&balance, &unlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, unlimited, nil
}

func (s *SQLiteStore) SetCreditAccount(ctx context.Context, userID string, balance int64, unlimited bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance, unlimited, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   balance=excluded.balance, unlimited=excluded.unlimited, updated_at=excluded.updated_at`,
		userID, balance, unlimited, time.Now().UTC().Format(time.RFC3339))
	return err
}

// ApplyCreditTransaction records tx and adjusts the account balance in one
// database transaction. A duplicate idempotency key is a no-op: the ledger
// entry already exists, so the balance is left untouched and applied=false
// is returned.
func (s *SQLiteStore) ApplyCreditTransaction(ctx context.Context, tx CreditTransaction) (applied bool, err error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback()
		}
	}()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	res, err := dbtx.ExecContext(ctx,
		`INSERT INTO credit_transactions (user_id, amount, idempotency_key, kind,
		 request_id, logical_model, provider_id, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		tx.UserID, tx.Amount, tx.IdempotencyKey, tx.Kind, tx.RequestID,
		tx.LogicalModel, tx.ProviderID, tx.InputTokens, tx.OutputTokens,
		tx.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, dbtx.Commit()
	}

	if _, err = dbtx.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance, unlimited, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   balance = balance + excluded.balance, updated_at=excluded.updated_at`,
		tx.UserID, tx.Amount, tx.CreatedAt.Format(time.RFC3339)); err != nil {
		return false, err
	}
	return true, dbtx.Commit()
}

func (s *SQLiteStore) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, idempotency_key, kind, request_id, logical_model,
		 provider_id, input_tokens, output_tokens, created_at
		 FROM credit_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		var createdAt string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.IdempotencyKey, &tx.Kind,
			&tx.RequestID, &tx.LogicalModel, &tx.ProviderID, &tx.InputTokens,
			&tx.OutputTokens, &createdAt); err != nil {
			return nil, err
		}
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Billing configs

func (s *SQLiteStore) GetBillingConfig(ctx context.Context, logicalModel string) (*BillingConfigRecord, error) {
	var b BillingConfigRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT logical_model, base_per_1k, multiplier FROM model_billing_configs WHERE logical_model = ?`,
		logicalModel).Scan(&b.LogicalModel, &b.BasePer1K, &b.Multiplier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) UpsertBillingConfig(ctx context.Context, b BillingConfigRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_billing_configs (logical_model, base_per_1k, multiplier)
		 VALUES (?, ?, ?)
		 ON CONFLICT(logical_model) DO UPDATE SET
		   base_per_1k=excluded.base_per_1k, multiplier=excluded.multiplier`,
		b.LogicalModel, b.BasePer1K, b.Multiplier)
	return err
}

// Health snapshots

func (s *SQLiteStore) UpsertProviderHealth(ctx context.Context, h HealthRecord) error {
	lastSuccess := ""
	if !h.LastSuccess.IsZero() {
		lastSuccess = h.LastSuccess.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_health (provider_id, status, checked_at, response_ms, error, last_success)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
		   status=excluded.status, checked_at=excluded.checked_at,
		   response_ms=excluded.response_ms, error=excluded.error,
		   last_success=excluded.last_success`,
		h.ProviderID, h.Status, h.CheckedAt.UTC().Format(time.RFC3339),
		h.ResponseMs, h.Error, lastSuccess)
	return err
}

func (s *SQLiteStore) GetProviderHealth(ctx context.Context, providerID string) (*HealthRecord, error) {
	var h HealthRecord
	var checkedAt, lastSuccess string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id, status, checked_at, response_ms, error, last_success
		 FROM provider_health WHERE provider_id = ?`, providerID).
		Scan(&h.ProviderID, &h.Status, &checkedAt, &h.ResponseMs, &h.Error, &lastSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.CheckedAt, _ = time.Parse(time.RFC3339, checkedAt)
	if lastSuccess != "" {
		h.LastSuccess, _ = time.Parse(time.RFC3339, lastSuccess)
	}
	return &h, nil
}

// Route metrics fallback sink

// InsertRouteMetrics upserts finalized minute buckets. A re-flush of the same
// dimension tuple adds counters and replaces the latency estimates and status
// with the fresher ones instead of duplicating the row.
func (s *SQLiteStore) InsertRouteMetrics(ctx context.Context, batch []RouteMetricsRow) error {
	if len(batch) == 0 {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range batch {
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO route_metrics_history (bucket, logical_model, provider_id, model_id,
			 key_id, requests, errors, p50_ms, p95_ms, p99_ms, input_tokens, output_tokens,
			 cost_units, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(bucket, logical_model, provider_id, model_id, key_id) DO UPDATE SET
				requests = requests + excluded.requests,
				errors = errors + excluded.errors,
				p50_ms = excluded.p50_ms,
				p95_ms = excluded.p95_ms,
				p99_ms = excluded.p99_ms,
				input_tokens = input_tokens + excluded.input_tokens,
				output_tokens = output_tokens + excluded.output_tokens,
				cost_units = cost_units + excluded.cost_units,
				status = excluded.status`,
			r.Bucket.UTC().Format(time.RFC3339), r.LogicalModel, r.ProviderID, r.ModelID,
			r.KeyID, r.Requests, r.Errors, r.P50Ms, r.P95Ms, r.P99Ms,
			r.InputTokens, r.OutputTokens, r.CostUnits, r.Status); err != nil {
			_ = dbtx.Rollback()
			return err
		}
	}
	return dbtx.Commit()
}
