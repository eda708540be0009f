package registry

import (
	"context"
	"testing"
	"time"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	seedProvider(t, st, "pub", "public", "")
	seedProvider(t, st, "priv", "private", "owner-1")

	reg, err := New(ctx, st, nil, time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg, st
}

func seedProvider(t *testing.T, st *store.SQLiteStore, id, visibility, ownerID string) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertProvider(ctx, store.ProviderRecord{
		ID: id, Name: id, BaseURL: "https://" + id + ".example.com",
		Transport: "http", ModelsPath: "/v1/models",
		Styles: `["openai","claude"]`, RetryableStatuses: `[429,503]`,
		CustomHeaders: `{"X-Region":"eu"}`, BillingFactor: 1, BaseWeight: 1,
		StaticModels: `[]`, Visibility: visibility, OwnerID: ownerID,
		AllowedUsers: `[]`, Enabled: true,
	}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := st.UpsertProviderKey(ctx, store.ProviderKeyRecord{
		ID: id + "-k1", ProviderID: id, Label: "primary",
		Sealed: []byte{1}, Weight: 1, Status: "active",
	}); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	if err := st.UpsertProviderModel(ctx, store.ProviderModelRecord{
		ProviderID: id, ModelID: "model-a", Capabilities: `["chat"]`,
		Alias: "alias-a",
	}); err != nil {
		t.Fatalf("seed model: %v", err)
	}
}

func TestSnapshotAssembly(t *testing.T) {
	reg, _ := newTestRegistry(t)

	snap := reg.Snapshot()
	p, ok := snap.Provider("pub")
	if !ok {
		t.Fatal("provider missing")
	}
	if !p.SupportsStyle(core.StyleClaude) {
		t.Error("styles not parsed")
	}
	if len(p.RetryableStatuses) != 2 || p.RetryableStatuses[0] != 429 {
		t.Errorf("retryable statuses %v", p.RetryableStatuses)
	}
	if p.CustomHeaders["X-Region"] != "eu" {
		t.Errorf("headers %v", p.CustomHeaders)
	}
	if len(p.Keys) != 1 || p.Keys[0].Label != "primary" {
		t.Errorf("keys %v", p.Keys)
	}
}

func TestModelAliasLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)

	snap := reg.Snapshot()
	if _, ok := snap.Model("pub", "model-a"); !ok {
		t.Error("model lookup by id failed")
	}
	if _, ok := snap.Model("pub", "alias-a"); !ok {
		t.Error("model lookup by alias failed")
	}
	if _, ok := snap.Model("pub", "nope"); ok {
		t.Error("unexpected hit")
	}
}

func TestVisibility(t *testing.T) {
	reg, _ := newTestRegistry(t)
	snap := reg.Snapshot()

	stranger := core.User{ID: "u-stranger"}
	visible := snap.Visible(stranger, nil)
	if len(visible) != 1 || visible[0].ID != "pub" {
		t.Fatalf("stranger sees %v", providerIDs(visible))
	}

	owner := core.User{ID: "owner-1"}
	if got := snap.Visible(owner, nil); len(got) != 2 {
		t.Errorf("owner sees %v", providerIDs(got))
	}

	admin := core.User{ID: "root", Superuser: true}
	if got := snap.Visible(admin, nil); len(got) != 2 {
		t.Errorf("superuser sees %v", providerIDs(got))
	}
}

func TestOwnedPublicProviderHiddenFromStrangers(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	// "public" only opens up providers without an owner; an owned provider
	// carrying the label stays scoped to its owner.
	seedProvider(t, st, "club", "public", "owner-1")
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := reg.Snapshot()

	for _, p := range snap.Visible(core.User{ID: "u-stranger"}, nil) {
		if p.ID == "club" {
			t.Fatal("stranger sees an owned public provider")
		}
	}
	if got := snap.Visible(core.User{ID: "owner-1"}, nil); len(got) != 3 {
		t.Errorf("owner sees %v", providerIDs(got))
	}
	if got := snap.Visible(core.User{ID: "root", Superuser: true}, nil); len(got) != 3 {
		t.Errorf("superuser sees %v", providerIDs(got))
	}
}

func TestCallerKeyAllowlist(t *testing.T) {
	reg, _ := newTestRegistry(t)
	snap := reg.Snapshot()

	admin := core.User{ID: "root", Superuser: true}
	got := snap.Visible(admin, []string{"priv"})
	if len(got) != 1 || got[0].ID != "priv" {
		t.Fatalf("allowlist ignored: %v", providerIDs(got))
	}
}

func TestRoutingEligible(t *testing.T) {
	p := core.Provider{
		ID: "p", Enabled: true, Transport: core.TransportHTTP,
		Keys: []core.ProviderKey{{ID: "k", Status: "active"}},
	}
	if !RoutingEligible(p) {
		t.Fatal("expected eligible")
	}

	disabled := p
	disabled.Enabled = false
	if RoutingEligible(disabled) {
		t.Error("disabled provider must be ineligible")
	}

	noKeys := p
	noKeys.Keys = []core.ProviderKey{{ID: "k", Status: "revoked"}}
	if RoutingEligible(noKeys) {
		t.Error("provider without active keys must be ineligible")
	}

	badSDK := p
	badSDK.Transport = core.TransportSDK
	badSDK.SDKVendor = "mystery"
	if RoutingEligible(badSDK) {
		t.Error("unregistered sdk vendor must be ineligible")
	}

	goodSDK := p
	goodSDK.Transport = core.TransportSDK
	goodSDK.SDKVendor = "anthropic"
	if !RoutingEligible(goodSDK) {
		t.Error("registered sdk vendor must be eligible")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	seedProvider(t, st, "extra", "public", "")
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reg.Snapshot().Provider("extra"); !ok {
		t.Fatal("new provider missing after reload")
	}
}

func providerIDs(ps []core.Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
