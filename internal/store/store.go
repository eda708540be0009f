// Package store is the gateway's system-of-record on SQLite: provider
// configuration and key pools, the model catalog, caller API keys, credit
// accounts and their transaction ledger, health snapshots, and a fallback
// sink for routing metrics history.
package store

import (
	"time"
)

// ProviderRecord is the persisted form of a provider configuration.
type ProviderRecord struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	BaseURL             string  `json:"base_url"`
	Transport           string  `json:"transport"` // http, sdk, claude_cli
	SDKVendor           string  `json:"sdk_vendor,omitempty"`
	ModelsPath          string  `json:"models_path"`
	MessagesPath        string  `json:"messages_path,omitempty"`
	ChatCompletionsPath string  `json:"chat_completions_path,omitempty"`
	ResponsesPath       string  `json:"responses_path,omitempty"`
	Styles              string  `json:"styles"`             // JSON array
	RetryableStatuses   string  `json:"retryable_statuses"` // JSON array
	CustomHeaders       string  `json:"custom_headers"`     // JSON object
	BrowserHeaders      bool    `json:"browser_headers"`
	Region              string  `json:"region,omitempty"`
	CostInputPer1K      float64 `json:"cost_input_per_1k"`
	CostOutputPer1K     float64 `json:"cost_output_per_1k"`
	BillingFactor       float64 `json:"billing_factor"`
	MaxQPS              int     `json:"max_qps"`
	BaseWeight          float64 `json:"base_weight"`
	StaticModels        string  `json:"static_models"` // JSON array
	Visibility          string  `json:"visibility"`    // public, restricted, private
	OwnerID             string  `json:"owner_id,omitempty"`
	AllowedUsers        string  `json:"allowed_users"` // JSON array
	Enabled             bool    `json:"enabled"`
}

// ProviderKeyRecord is one sealed API key in a provider's pool.
type ProviderKeyRecord struct {
	ID         string  `json:"id"`
	ProviderID string  `json:"provider_id"`
	Label      string  `json:"label"`
	Sealed     []byte  `json:"-"` // AES-GCM sealed key material
	Weight     float64 `json:"weight"`
	MaxQPS     int     `json:"max_qps"`
	Status     string  `json:"status"` // active, disabled, revoked
}

// ProviderModelRecord is catalog metadata for one (provider, model) pair.
type ProviderModelRecord struct {
	ProviderID    string  `json:"provider_id"`
	ModelID       string  `json:"model_id"`
	Family        string  `json:"family,omitempty"`
	DisplayName   string  `json:"display_name,omitempty"`
	ContextLength int     `json:"context_length"`
	Capabilities  string  `json:"capabilities"` // JSON array
	PriceInput    float64 `json:"price_input"`
	PriceOutput   float64 `json:"price_output"`
	Alias         string  `json:"alias,omitempty"`
	Disabled      bool    `json:"disabled"`
	MetaHash      string  `json:"meta_hash,omitempty"`
}

// UserRecord is a gateway user account.
type UserRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Superuser bool      `json:"superuser"`
	CreatedAt time.Time `json:"created_at"`
}

// CallerKeyRecord is a gateway-issued API key. The key itself is stored as a
// SHA-256 hash; AllowedProviders empty means every visible provider.
type CallerKeyRecord struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	KeyHash          string     `json:"-"`
	Name             string     `json:"name"`
	Active           bool       `json:"active"`
	AllowedProviders []string   `json:"allowed_providers,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// CreditTransaction is one entry in the credit ledger. Amount is in credit
// units; negative for deductions.
type CreditTransaction struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	Kind           string    `json:"kind"` // settle, precharge, reconcile, topup
	RequestID      string    `json:"request_id,omitempty"`
	LogicalModel   string    `json:"logical_model,omitempty"`
	ProviderID     string    `json:"provider_id,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// BillingConfigRecord prices one logical model in credit units.
type BillingConfigRecord struct {
	LogicalModel string  `json:"logical_model"`
	BasePer1K    float64 `json:"base_per_1k"`
	Multiplier   float64 `json:"multiplier"`
}

// HealthRecord is the durable copy of a provider health probe result.
type HealthRecord struct {
	ProviderID  string    `json:"provider_id"`
	Status      string    `json:"status"`
	CheckedAt   time.Time `json:"checked_at"`
	ResponseMs  int64     `json:"response_ms"`
	Error       string    `json:"error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// RouteMetricsRow is one finalized minute bucket, persisted when the
// ClickHouse sink is not configured.
type RouteMetricsRow struct {
	Bucket       time.Time `json:"bucket"`
	LogicalModel string    `json:"logical_model"`
	ProviderID   string    `json:"provider_id"`
	ModelID      string    `json:"model_id"`
	KeyID        string    `json:"key_id,omitempty"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	P50Ms        float64   `json:"p50_ms"`
	P95Ms        float64   `json:"p95_ms"`
	P99Ms        float64   `json:"p99_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUnits    float64   `json:"cost_units"`
	Status       string    `json:"status"`
}
