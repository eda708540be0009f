package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/kv"
	"github.com/polyrelay/polyrelay/internal/registry"
	"github.com/polyrelay/polyrelay/internal/store"
)

func newRegistryWith(t *testing.T, baseURL string) (*registry.Registry, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := st.UpsertProvider(ctx, store.ProviderRecord{
		ID: "p1", Name: "P1", BaseURL: baseURL, Transport: "http",
		ModelsPath: "/v1/models", Styles: `["openai"]`, RetryableStatuses: `[]`,
		CustomHeaders: `{}`, BillingFactor: 1, BaseWeight: 1, StaticModels: `[]`,
		Visibility: "public", AllowedUsers: `[]`, Enabled: true,
	}); err != nil {
		t.Fatalf("provider: %v", err)
	}
	if err := st.UpsertProviderKey(ctx, store.ProviderKeyRecord{
		ID: "p1-k", ProviderID: "p1", Sealed: []byte{1}, Weight: 1, Status: "active",
	}); err != nil {
		t.Fatalf("key: %v", err)
	}

	reg, err := registry.New(ctx, st, nil, time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg, st
}

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("probe path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg, st := newRegistryWith(t, srv.URL)
	m := NewMonitor(context.Background(), reg, nil, st)
	defer m.Close()

	hs := m.Status(context.Background(), "p1")
	if hs.Status != core.HealthHealthy {
		t.Fatalf("status %q (%s)", hs.Status, hs.Error)
	}
	if hs.LastSuccess.IsZero() {
		t.Error("last success not recorded")
	}
}

func TestProbe4xxDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	reg, st := newRegistryWith(t, srv.URL)
	m := NewMonitor(context.Background(), reg, nil, st)
	defer m.Close()

	if hs := m.Status(context.Background(), "p1"); hs.Status != core.HealthDegraded {
		t.Fatalf("status %q", hs.Status)
	}
}

func TestProbe5xxDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg, st := newRegistryWith(t, srv.URL)
	m := NewMonitor(context.Background(), reg, nil, st)
	defer m.Close()

	if hs := m.Status(context.Background(), "p1"); hs.Status != core.HealthDown {
		t.Fatalf("status %q", hs.Status)
	}
}

func TestProbeConnectionRefusedDown(t *testing.T) {
	reg, st := newRegistryWith(t, "http://127.0.0.1:1")
	m := NewMonitor(context.Background(), reg, nil, st)
	defer m.Close()

	hs := m.Status(context.Background(), "p1")
	if hs.Status != core.HealthDown {
		t.Fatalf("status %q", hs.Status)
	}
	if hs.Error == "" {
		t.Error("expected transport error detail")
	}
}

func TestDurableSnapshotWritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg, st := newRegistryWith(t, srv.URL)
	m := NewMonitor(context.Background(), reg, nil, st)
	defer m.Close()

	rec, err := st.GetProviderHealth(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.Status != core.HealthHealthy {
		t.Fatalf("record %+v", rec)
	}
}

func TestRedisPublication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	redisStore := kv.FromClient(cli)

	reg, st := newRegistryWith(t, srv.URL)
	m := NewMonitor(context.Background(), reg, redisStore, st)
	defer m.Close()

	if _, ok := redisStore.Get(context.Background(), "health:provider:p1"); !ok {
		t.Fatal("health not published to redis")
	}
}

func TestStatusUnknownProvider(t *testing.T) {
	reg, st := newRegistryWith(t, "http://127.0.0.1:1")
	m := NewMonitor(context.Background(), reg, nil, st)
	defer m.Close()

	hs := m.Status(context.Background(), "ghost")
	if hs.Status != core.HealthUnknown {
		t.Fatalf("status %q", hs.Status)
	}
}
