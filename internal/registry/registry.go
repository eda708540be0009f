// Package registry maintains the in-memory provider snapshot assembled from
// the system-of-record. Proxy requests read a consistent snapshot via an
// atomic pointer; reloads happen on a fixed interval and on invalidation
// messages published over Redis.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/kv"
	"github.com/polyrelay/polyrelay/internal/store"
)

// DefaultReloadInterval bounds staleness when no invalidation arrives.
const DefaultReloadInterval = 30 * time.Second

// sdkVendors are the SDK transports the proxy engine knows how to drive.
var sdkVendors = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"google":    true,
}

// Snapshot is an immutable view of all providers, their key pools, and the
// model catalog at one point in time.
type Snapshot struct {
	Providers map[string]core.Provider
	Models    map[string][]core.ProviderModel // provider id -> catalog
	LoadedAt  time.Time
}

// Provider returns the provider by id.
func (s *Snapshot) Provider(id string) (core.Provider, bool) {
	p, ok := s.Providers[id]
	return p, ok
}

// Model returns catalog metadata for (providerID, modelID).
func (s *Snapshot) Model(providerID, modelID string) (core.ProviderModel, bool) {
	for _, m := range s.Models[providerID] {
		if m.ModelID == modelID || (m.Alias != "" && m.Alias == modelID) {
			return m, true
		}
	}
	return core.ProviderModel{}, false
}

// Visible returns the providers user may route through, additionally
// filtered by the caller key's provider allowlist (empty = no restriction).
func (s *Snapshot) Visible(user core.User, allowedProviders []string) []core.Provider {
	allow := map[string]bool{}
	for _, id := range allowedProviders {
		allow[id] = true
	}
	var out []core.Provider
	for _, p := range s.Providers {
		if len(allow) > 0 && !allow[p.ID] {
			continue
		}
		if !visibleTo(p, user) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func visibleTo(p core.Provider, user core.User) bool {
	if user.Superuser {
		return true
	}
	switch p.Visibility {
	case core.VisibilityPublic:
		// Public is for shared, unowned providers; an owned one stays with
		// its owner regardless of the visibility label.
		return p.OwnerID == "" || p.OwnerID == user.ID
	case core.VisibilityPrivate:
		return p.OwnerID == user.ID
	case core.VisibilityRestricted:
		if p.OwnerID == user.ID {
			return true
		}
		for _, id := range p.AllowedUsers {
			if id == user.ID {
				return true
			}
		}
	}
	return false
}

// RoutingEligible reports whether p may receive proxied traffic: enabled,
// at least one active key, and a driveable transport.
func RoutingEligible(p core.Provider) bool {
	if !p.Enabled {
		return false
	}
	if len(p.ActiveKeys()) == 0 {
		return false
	}
	if p.Transport == core.TransportSDK && !sdkVendors[p.SDKVendor] {
		return false
	}
	return true
}

// Registry owns the snapshot lifecycle.
type Registry struct {
	store    *store.SQLiteStore
	kv       *kv.Store
	snap     atomic.Pointer[Snapshot]
	interval time.Duration
}

// New loads the initial snapshot. redis may be nil; invalidation then relies
// on the reload interval alone.
func New(ctx context.Context, st *store.SQLiteStore, redis *kv.Store, interval time.Duration) (*Registry, error) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	r := &Registry{store: st, kv: redis, interval: interval}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Reload rebuilds the snapshot from the system-of-record and swaps it in.
func (r *Registry) Reload(ctx context.Context) error {
	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	keys, err := r.store.ListProviderKeys(ctx)
	if err != nil {
		return err
	}
	models, err := r.store.ListProviderModels(ctx)
	if err != nil {
		return err
	}

	keysByProvider := map[string][]core.ProviderKey{}
	for _, k := range keys {
		keysByProvider[k.ProviderID] = append(keysByProvider[k.ProviderID], core.ProviderKey{
			ID: k.ID, Label: k.Label, Sealed: k.Sealed,
			Weight: k.Weight, MaxQPS: k.MaxQPS, Status: k.Status,
		})
	}

	snap := &Snapshot{
		Providers: make(map[string]core.Provider, len(providers)),
		Models:    map[string][]core.ProviderModel{},
		LoadedAt:  time.Now(),
	}
	for _, rec := range providers {
		p := assembleProvider(rec)
		p.Keys = keysByProvider[rec.ID]
		snap.Providers[p.ID] = p
	}
	for _, m := range models {
		snap.Models[m.ProviderID] = append(snap.Models[m.ProviderID], assembleModel(m))
	}

	r.snap.Store(snap)
	slog.InfoContext(ctx, "registry_reloaded",
		slog.Int("providers", len(snap.Providers)),
		slog.Int("key_pools", len(keysByProvider)),
	)
	return nil
}

// Run reloads on the configured interval and on invalidation messages until
// ctx is cancelled. Intended to run in its own goroutine.
func (r *Registry) Run(ctx context.Context) {
	if r.kv != nil {
		go r.kv.SubscribeInvalidate(ctx, func(payload string) {
			if err := r.Reload(ctx); err != nil {
				slog.WarnContext(ctx, "registry_reload_failed",
					slog.String("trigger", "invalidate"),
					slog.String("payload", payload),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				slog.WarnContext(ctx, "registry_reload_failed",
					slog.String("trigger", "interval"),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func assembleProvider(rec store.ProviderRecord) core.Provider {
	var styles []string
	_ = json.Unmarshal([]byte(rec.Styles), &styles)
	coreStyles := make([]core.APIStyle, 0, len(styles))
	for _, s := range styles {
		if st := core.APIStyle(s); st.Valid() {
			coreStyles = append(coreStyles, st)
		}
	}

	var retryable []int
	_ = json.Unmarshal([]byte(rec.RetryableStatuses), &retryable)
	var headers map[string]string
	_ = json.Unmarshal([]byte(rec.CustomHeaders), &headers)
	var static []string
	_ = json.Unmarshal([]byte(rec.StaticModels), &static)
	var allowedUsers []string
	_ = json.Unmarshal([]byte(rec.AllowedUsers), &allowedUsers)

	return core.Provider{
		ID: rec.ID, Name: rec.Name, BaseURL: rec.BaseURL,
		Transport: core.Transport(rec.Transport), SDKVendor: rec.SDKVendor,
		ModelsPath: rec.ModelsPath, MessagesPath: rec.MessagesPath,
		ChatCompletionsPath: rec.ChatCompletionsPath, ResponsesPath: rec.ResponsesPath,
		Styles: coreStyles, RetryableStatuses: retryable,
		CustomHeaders: headers, BrowserHeaders: rec.BrowserHeaders,
		Region: rec.Region, CostInputPer1K: rec.CostInputPer1K,
		CostOutputPer1K: rec.CostOutputPer1K, BillingFactor: rec.BillingFactor,
		MaxQPS: rec.MaxQPS, BaseWeight: rec.BaseWeight,
		StaticModels: static, Visibility: core.Visibility(rec.Visibility),
		OwnerID: rec.OwnerID, AllowedUsers: allowedUsers, Enabled: rec.Enabled,
	}
}

func assembleModel(rec store.ProviderModelRecord) core.ProviderModel {
	var caps []string
	_ = json.Unmarshal([]byte(rec.Capabilities), &caps)
	coreCaps := make([]core.Capability, 0, len(caps))
	for _, c := range caps {
		coreCaps = append(coreCaps, core.Capability(c))
	}
	return core.ProviderModel{
		ProviderID: rec.ProviderID, ModelID: rec.ModelID, Family: rec.Family,
		DisplayName: rec.DisplayName, ContextLength: rec.ContextLength,
		Capabilities: coreCaps, PriceInput: rec.PriceInput,
		PriceOutput: rec.PriceOutput, Alias: rec.Alias,
		Disabled: rec.Disabled, MetaHash: rec.MetaHash,
	}
}
