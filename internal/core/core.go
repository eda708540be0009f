// Package core defines the domain types shared by every gateway subsystem:
// provider configuration, logical/physical models, caller identities,
// stickiness sessions, and routing metrics samples.
//
// All types are plain value types. Subsystems exchange copies filtered to the
// current request; nothing in this package holds references back into the
// registry or the stores.
package core

import (
	"time"
)

// APIStyle is the wire dialect of a request or response.
type APIStyle string

const (
	StyleOpenAI    APIStyle = "openai"    // chat completions
	StyleClaude    APIStyle = "claude"    // Anthropic Messages
	StyleResponses APIStyle = "responses" // OpenAI Responses
)

// Valid reports whether s is one of the three known styles.
func (s APIStyle) Valid() bool {
	return s == StyleOpenAI || s == StyleClaude || s == StyleResponses
}

// Transport selects how the proxy engine talks to a provider.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSDK       Transport = "sdk"
	TransportClaudeCLI Transport = "claude_cli"
)

// Capability is a model capability flag.
type Capability string

const (
	CapChat            Capability = "chat"
	CapCompletion      Capability = "completion"
	CapEmbedding       Capability = "embedding"
	CapVision          Capability = "vision"
	CapAudio           Capability = "audio"
	CapFunctionCalling Capability = "function_calling"
)

// Visibility controls which users may route through a provider.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityPrivate    Visibility = "private"
)

// ProviderKey is one entry of a provider's API key pool. The secret itself
// is stored AES-GCM sealed and is only decrypted at acquisition time.
type ProviderKey struct {
	ID     string
	Label  string
	Sealed []byte // encrypted key material, never logged
	Weight float64
	MaxQPS int // 0 = unlimited
	Status string
}

// Active reports whether the key participates in selection.
func (k ProviderKey) Active() bool { return k.Status == "active" }

// Provider is a single upstream configuration as reconciled into the
// registry snapshot.
type Provider struct {
	ID   string
	Name string

	BaseURL   string
	Transport Transport
	SDKVendor string // required when Transport == TransportSDK

	ModelsPath          string
	MessagesPath        string
	ChatCompletionsPath string
	ResponsesPath       string

	Styles            []APIStyle
	RetryableStatuses []int
	CustomHeaders     map[string]string
	BrowserHeaders    bool

	Region          string
	CostInputPer1K  float64
	CostOutputPer1K float64
	BillingFactor   float64

	MaxQPS     int
	BaseWeight float64

	Keys         []ProviderKey
	StaticModels []string

	Visibility   Visibility
	OwnerID      string
	AllowedUsers []string

	Enabled bool
}

// SupportsStyle reports whether the provider declares the given API style.
// A provider with no declared styles is treated as openai-only.
func (p Provider) SupportsStyle(s APIStyle) bool {
	if len(p.Styles) == 0 {
		return s == StyleOpenAI
	}
	for _, st := range p.Styles {
		if st == s {
			return true
		}
	}
	return false
}

// ActiveKeys returns the subset of the key pool with status=active.
func (p Provider) ActiveKeys() []ProviderKey {
	out := make([]ProviderKey, 0, len(p.Keys))
	for _, k := range p.Keys {
		if k.Active() {
			out = append(out, k)
		}
	}
	return out
}

// EndpointPath returns the provider path for the given style, falling back
// to the chat completions path.
func (p Provider) EndpointPath(s APIStyle) string {
	switch s {
	case StyleClaude:
		if p.MessagesPath != "" {
			return p.MessagesPath
		}
	case StyleResponses:
		if p.ResponsesPath != "" {
			return p.ResponsesPath
		}
	}
	if p.ChatCompletionsPath != "" {
		return p.ChatCompletionsPath
	}
	return "/v1/chat/completions"
}

// ProviderModel is catalog metadata for one (provider, model_id) pair.
type ProviderModel struct {
	ProviderID    string
	ModelID       string
	Family        string
	DisplayName   string
	ContextLength int
	Capabilities  []Capability
	PriceInput    float64 // per 1000 tokens
	PriceOutput   float64
	Alias         string
	Disabled      bool
	MetaHash      string
}

// PhysicalModel references a concrete upstream target of a logical model.
type PhysicalModel struct {
	ProviderID string
	ModelID    string
	Endpoint   string
	Style      APIStyle
	BaseWeight float64
	Region     string
	MaxQPS     int
	MetaHash   string
	Disabled   bool
}

// LogicalModel is a gateway-visible model name mapping to one or more
// upstream physical models. Enabled gates routing.
type LogicalModel struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"display_name,omitempty"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	Upstreams    []PhysicalModel `json:"upstreams"`
	Enabled      bool            `json:"enabled"`
}

// User is the resolved caller identity.
type User struct {
	ID        string
	Superuser bool
}

// CallerKey is a gateway-issued API key record.
type CallerKey struct {
	ID               string
	UserID           string
	Active           bool
	AllowedProviders []string // nil = all visible providers
	ExpiresAt        time.Time
}

// Usable reports whether the key may authenticate a request at now.
func (k CallerKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	return k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt)
}

// Session is a conversation stickiness record: the upstream previously
// chosen for a conversation. Advisory only.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	LogicalModel   string    `json:"logical_model"`
	ProviderID     string    `json:"provider_id"`
	ModelID        string    `json:"model_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	MessageCount   int       `json:"message_count"`
}

// Usage holds token counts reported by (or approximated for) an upstream
// response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// HealthStatus is the last probe result for one provider.
type HealthStatus struct {
	ProviderID  string    `json:"provider_id"`
	Status      string    `json:"status"` // healthy | degraded | down | unknown
	CheckedAt   time.Time `json:"checked_at"`
	ResponseMs  int64     `json:"response_ms"`
	Error       string    `json:"error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
	HealthUnknown  = "unknown"
)

// Message is a single normalized conversation turn.
type Message struct {
	Role    string
	Content string
}
