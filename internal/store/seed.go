package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedFile is the operator-provided bootstrap document. Plaintext provider
// keys in the file are sealed before they touch the database.
type SeedFile struct {
	Providers []SeedProvider `yaml:"providers"`
	Users     []SeedUser     `yaml:"users"`
	Logical   []SeedLogical  `yaml:"logical_models"`
	Billing   []SeedBilling  `yaml:"billing"`
}

type SeedProvider struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	BaseURL             string            `yaml:"base_url"`
	Transport           string            `yaml:"transport"`
	SDKVendor           string            `yaml:"sdk_vendor"`
	ModelsPath          string            `yaml:"models_path"`
	MessagesPath        string            `yaml:"messages_path"`
	ChatCompletionsPath string            `yaml:"chat_completions_path"`
	ResponsesPath       string            `yaml:"responses_path"`
	Styles              []string          `yaml:"styles"`
	RetryableStatuses   []int             `yaml:"retryable_statuses"`
	CustomHeaders       map[string]string `yaml:"custom_headers"`
	BrowserHeaders      bool              `yaml:"browser_headers"`
	Region              string            `yaml:"region"`
	CostInputPer1K      float64           `yaml:"cost_input_per_1k"`
	CostOutputPer1K     float64           `yaml:"cost_output_per_1k"`
	BillingFactor       float64           `yaml:"billing_factor"`
	MaxQPS              int               `yaml:"max_qps"`
	BaseWeight          float64           `yaml:"base_weight"`
	StaticModels        []string          `yaml:"static_models"`
	Visibility          string            `yaml:"visibility"`
	Owner               string            `yaml:"owner"`
	AllowedUsers        []string          `yaml:"allowed_users"`
	Keys                []SeedKey         `yaml:"keys"`
	Models              []SeedModel       `yaml:"models"`
}

type SeedKey struct {
	Label  string  `yaml:"label"`
	Secret string  `yaml:"secret"`
	Weight float64 `yaml:"weight"`
	MaxQPS int     `yaml:"max_qps"`
}

type SeedModel struct {
	ID            string   `yaml:"id"`
	Family        string   `yaml:"family"`
	DisplayName   string   `yaml:"display_name"`
	ContextLength int      `yaml:"context_length"`
	Capabilities  []string `yaml:"capabilities"`
	PriceInput    float64  `yaml:"price_input"`
	PriceOutput   float64  `yaml:"price_output"`
	Alias         string   `yaml:"alias"`
	Disabled      bool     `yaml:"disabled"`
}

type SeedUser struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Superuser bool   `yaml:"superuser"`
	APIKey    string `yaml:"api_key"` // plaintext, stored hashed
	Balance   int64  `yaml:"balance"`
	Unlimited bool   `yaml:"unlimited"`
}

type SeedLogical struct {
	ID           string         `yaml:"id"`
	DisplayName  string         `yaml:"display_name"`
	Capabilities []string       `yaml:"capabilities"`
	Enabled      *bool          `yaml:"enabled"`
	Upstreams    []SeedUpstream `yaml:"upstreams"`
}

type SeedUpstream struct {
	Provider string  `yaml:"provider"`
	Model    string  `yaml:"model"`
	Style    string  `yaml:"style"`
	Weight   float64 `yaml:"weight"`
	MaxQPS   int     `yaml:"max_qps"`
}

type SeedBilling struct {
	LogicalModel string  `yaml:"logical_model"`
	BasePer1K    float64 `yaml:"base_per_1k"`
	Multiplier   float64 `yaml:"multiplier"`
}

// Sealer seals plaintext secrets for at-rest storage.
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
}

// Hasher hashes caller API keys for lookup.
type Hasher func(plaintext string) string

// LoadSeedFile parses a YAML seed document from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &sf, nil
}

// ApplySeed writes the seed document into the system-of-record. Provider key
// secrets are sealed with box; caller API keys are stored as hashes. Returns
// the logical model definitions for the caller to publish.
func (s *SQLiteStore) ApplySeed(ctx context.Context, sf *SeedFile, box Sealer, hash Hasher) ([]SeedLogical, error) {
	for _, sp := range sf.Providers {
		rec, err := seedProviderRecord(sp)
		if err != nil {
			return nil, err
		}
		if err := s.UpsertProvider(ctx, rec); err != nil {
			return nil, fmt.Errorf("seed provider %s: %w", sp.ID, err)
		}
		for i, k := range sp.Keys {
			sealed, err := box.Seal(k.Secret)
			if err != nil {
				return nil, fmt.Errorf("seal key for %s: %w", sp.ID, err)
			}
			weight := k.Weight
			if weight <= 0 {
				weight = 1
			}
			if err := s.UpsertProviderKey(ctx, ProviderKeyRecord{
				ID:         fmt.Sprintf("%s-key-%d", sp.ID, i),
				ProviderID: sp.ID,
				Label:      k.Label,
				Sealed:     sealed,
				Weight:     weight,
				MaxQPS:     k.MaxQPS,
				Status:     "active",
			}); err != nil {
				return nil, fmt.Errorf("seed key for %s: %w", sp.ID, err)
			}
		}
		for _, m := range sp.Models {
			caps, _ := json.Marshal(m.Capabilities)
			if err := s.UpsertProviderModel(ctx, ProviderModelRecord{
				ProviderID: sp.ID, ModelID: m.ID, Family: m.Family,
				DisplayName: m.DisplayName, ContextLength: m.ContextLength,
				Capabilities: string(caps), PriceInput: m.PriceInput,
				PriceOutput: m.PriceOutput, Alias: m.Alias, Disabled: m.Disabled,
			}); err != nil {
				return nil, fmt.Errorf("seed model %s/%s: %w", sp.ID, m.ID, err)
			}
		}
	}

	for _, su := range sf.Users {
		if err := s.UpsertUser(ctx, UserRecord{
			ID: su.ID, Name: su.Name, Superuser: su.Superuser,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", su.ID, err)
		}
		if su.APIKey != "" {
			err := s.CreateCallerKey(ctx, CallerKeyRecord{
				ID: uuid.NewString(), UserID: su.ID, KeyHash: hash(su.APIKey),
				Name: "seed", Active: true,
			})
			// A re-run with the same key is fine; the hash is unique.
			if err != nil && !isUniqueViolation(err) {
				return nil, fmt.Errorf("seed api key for %s: %w", su.ID, err)
			}
		}
		if err := s.SetCreditAccount(ctx, su.ID, su.Balance, su.Unlimited); err != nil {
			return nil, fmt.Errorf("seed credit for %s: %w", su.ID, err)
		}
	}

	for _, b := range sf.Billing {
		if err := s.UpsertBillingConfig(ctx, BillingConfigRecord{
			LogicalModel: b.LogicalModel, BasePer1K: b.BasePer1K, Multiplier: b.Multiplier,
		}); err != nil {
			return nil, fmt.Errorf("seed billing %s: %w", b.LogicalModel, err)
		}
	}

	return sf.Logical, nil
}

func seedProviderRecord(sp SeedProvider) (ProviderRecord, error) {
	styles := sp.Styles
	if len(styles) == 0 {
		styles = []string{"openai"}
	}
	stylesJSON, _ := json.Marshal(styles)
	retryJSON, _ := json.Marshal(orEmptyInts(sp.RetryableStatuses))
	headersJSON, _ := json.Marshal(orEmptyMap(sp.CustomHeaders))
	staticJSON, _ := json.Marshal(orEmptyStrings(sp.StaticModels))
	allowedJSON, _ := json.Marshal(orEmptyStrings(sp.AllowedUsers))

	transport := sp.Transport
	if transport == "" {
		transport = "http"
	}
	modelsPath := sp.ModelsPath
	if modelsPath == "" {
		modelsPath = "/v1/models"
	}
	visibility := sp.Visibility
	if visibility == "" {
		visibility = "public"
	}
	billingFactor := sp.BillingFactor
	if billingFactor <= 0 {
		billingFactor = 1
	}
	baseWeight := sp.BaseWeight
	if baseWeight <= 0 {
		baseWeight = 1
	}

	return ProviderRecord{
		ID: sp.ID, Name: sp.Name, BaseURL: sp.BaseURL, Transport: transport,
		SDKVendor: sp.SDKVendor, ModelsPath: modelsPath, MessagesPath: sp.MessagesPath,
		ChatCompletionsPath: sp.ChatCompletionsPath, ResponsesPath: sp.ResponsesPath,
		Styles: string(stylesJSON), RetryableStatuses: string(retryJSON),
		CustomHeaders: string(headersJSON), BrowserHeaders: sp.BrowserHeaders,
		Region: sp.Region, CostInputPer1K: sp.CostInputPer1K,
		CostOutputPer1K: sp.CostOutputPer1K, BillingFactor: billingFactor,
		MaxQPS: sp.MaxQPS, BaseWeight: baseWeight, StaticModels: string(staticJSON),
		Visibility: visibility, OwnerID: sp.Owner, AllowedUsers: string(allowedJSON),
		Enabled: true,
	}, nil
}

func orEmptyInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
