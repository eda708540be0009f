package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/polyrelay/polyrelay/internal/credit"
	"github.com/polyrelay/polyrelay/internal/keypool"
	"github.com/polyrelay/polyrelay/internal/logical"
	"github.com/polyrelay/polyrelay/internal/registry"
	"github.com/polyrelay/polyrelay/internal/scheduler"
	"github.com/polyrelay/polyrelay/internal/secrets"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/upstream"
)

const (
	gatewayToken  = "sk-gw-test"
	upstreamModel = "test-model"
)

// --- helpers ----------------------------------------------------------------

// newTestGateway seeds a catalog with one HTTP provider pointing at
// upstreamURL and assembles the full pipeline around it.
func newTestGateway(t *testing.T, upstreamURL string, tweak func(opts *Options, st *store.SQLiteStore)) *Gateway {
	t.Helper()
	ctx := context.Background()

	box, err := secrets.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("secrets box: %v", err)
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if err := st.UpsertUser(ctx, store.UserRecord{ID: "u1", Name: "tester"}); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(gatewayToken))
	if err := st.CreateCallerKey(ctx, store.CallerKeyRecord{
		ID: "ck1", UserID: "u1", KeyHash: hex.EncodeToString(sum[:]),
		Name: "test key", Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := st.UpsertProvider(ctx, store.ProviderRecord{
		ID: "prov-a", Name: "Provider A", BaseURL: upstreamURL,
		Transport: "http", Styles: `["openai"]`,
		RetryableStatuses: `[]`, CustomHeaders: `{}`,
		StaticModels: `[]`, AllowedUsers: `[]`,
		Visibility: "public", BaseWeight: 1, BillingFactor: 1, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Seal("sk-upstream")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertProviderKey(ctx, store.ProviderKeyRecord{
		ID: "pk1", ProviderID: "prov-a", Label: "main",
		Sealed: sealed, Weight: 1, Status: "active",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertProviderModel(ctx, store.ProviderModelRecord{
		ProviderID: "prov-a", ModelID: upstreamModel, Capabilities: `["chat"]`,
	}); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(ctx, st, nil, time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	opts := Options{
		Store:    st,
		Registry: reg,
		Resolver: logical.New(nil, reg),
		Sched:    scheduler.New(scheduler.DefaultStrategy()),
		Engine:   upstream.NewEngine(keypool.New(box, nil), upstream.Options{}),
	}
	if tweak != nil {
		tweak(&opts, st)
	}
	return New(opts)
}

// serveGateway starts the full middleware-wrapped handler on an in-memory
// listener and returns an HTTP client routed to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	srv := &fasthttp.Server{Handler: gw.Handler()}
	go srv.Serve(ln) //nolint:errcheck

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 10 * time.Second,
	}
	t.Cleanup(func() { ln.Close() })
	return client
}

func postChat(t *testing.T, client *http.Client, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gw/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+gatewayToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func openAIUnaryBody(content string) string {
	return `{"id":"r1","model":"` + upstreamModel + `","choices":[{"message":{"role":"assistant","content":"` + content + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`
}

// --- tests ------------------------------------------------------------------

func TestUnauthenticatedRejected(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "unauthenticated") {
		t.Fatalf("body missing error code: %s", body)
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-upstream" {
			t.Errorf("upstream auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, openAIUnaryBody("hello there"))
	}))
	defer up.Close()

	gw := newTestGateway(t, up.URL, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Choices) != 1 || parsed.Choices[0].Message.Content != "hello there" {
		t.Fatalf("unexpected choices: %+v", parsed.Choices)
	}
	// The response carries the requested model name, not the upstream's.
	if parsed.Model != upstreamModel {
		t.Errorf("model = %q, want %q", parsed.Model, upstreamModel)
	}
}

func TestUnknownModelIs400(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "unknown_model") {
		t.Fatalf("body missing error code: %s", body)
	}
}

func TestDisabledModelIs400(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", func(opts *Options, st *store.SQLiteStore) {
		if err := st.SetModelDisabled(context.Background(), "prov-a", upstreamModel, true); err != nil {
			t.Fatal(err)
		}
	})
	if err := gw.reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	// The model exists but every catalog pair carrying it is disabled: that
	// is a disabled-model rejection, not an unknown one.
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "model_disabled") {
		t.Fatalf("body missing error code: %s", body)
	}
	if !strings.Contains(string(body), "该模型已被禁用") {
		t.Fatalf("body missing disabled message: %s", body)
	}
}

func TestMissingModelIs400(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpstreamTerminal4xxPassedThrough(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"context length exceeded"}}`)
	}))
	defer up.Close()

	gw := newTestGateway(t, up.URL, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "context length exceeded") {
		t.Fatalf("upstream message lost: %s", body)
	}
}

func TestAllDownIs503(t *testing.T) {
	// Provider with no reachable upstream and no acquirable key: disable the
	// key so the pool skips the provider entirely.
	gw := newTestGateway(t, "http://127.0.0.1:0", func(opts *Options, st *store.SQLiteStore) {
		if err := st.SetProviderKeyStatus(context.Background(), "pk1", "disabled"); err != nil {
			t.Fatal(err)
		}
	})
	// Reload so the snapshot drops the provider from routing eligibility.
	if err := gw.reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	// Without an active key the provider is not routing-eligible, so the
	// model itself no longer resolves.
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 400 or 503", resp.StatusCode)
	}
}

func TestCreditEnforcementBlocks(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", func(opts *Options, st *store.SQLiteStore) {
		if err := st.SetCreditAccount(context.Background(), "u1", 0, false); err != nil {
			t.Fatal(err)
		}
		opts.Meter = credit.NewMeter(st, credit.Options{Enforce: true})
	})
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}

func TestSettlementAfterSuccess(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, openAIUnaryBody("ok"))
	}))
	defer up.Close()

	var st *store.SQLiteStore
	gw := newTestGateway(t, up.URL, func(opts *Options, s *store.SQLiteStore) {
		st = s
		if err := s.SetCreditAccount(context.Background(), "u1", 100, false); err != nil {
			t.Fatal(err)
		}
		opts.Meter = credit.NewMeter(s, credit.Options{Enforce: true})
	})
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}]}`, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// 15 tokens at the default unit price rounds up to 1 credit.
	balance, _, err := st.CreditBalance(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 99 {
		t.Fatalf("balance = %d, want 99", balance)
	}
}

func TestStreamingPrechargeBilledOnce(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"id\":\"r1\",\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer up.Close()

	var st *store.SQLiteStore
	gw := newTestGateway(t, up.URL, func(opts *Options, s *store.SQLiteStore) {
		st = s
		if err := s.SetCreditAccount(context.Background(), "u1", 100, false); err != nil {
			t.Fatal(err)
		}
		opts.Meter = credit.NewMeter(s, credit.Options{Enforce: true, PreCharge: true})
	})
	client := serveGateway(t, gw)

	resp := postChat(t, client,
		`{"model":"`+upstreamModel+`","max_tokens":4000,"messages":[{"role":"user","content":"hi"}],"stream":true}`, true)
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	resp.Body.Close()

	// Precharge reserves 4 units for 4000 tokens; 5 tokens were actually
	// used (1 unit), so the reconcile refunds 3. A separate settlement on
	// top of the reconcile would leave 98.
	balance, _, err := st.CreditBalance(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 99 {
		t.Fatalf("balance = %d, want 99 (billed exactly once)", balance)
	}
}

func TestStreamingEndToEnd(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		if body["stream"] != true {
			t.Errorf("upstream body missing stream flag")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"id\":\"r1\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, "data: {\"id\":\"r1\",\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer up.Close()

	gw := newTestGateway(t, up.URL, nil)
	client := serveGateway(t, gw)

	resp := postChat(t, client, `{"model":"`+upstreamModel+`","messages":[{"role":"user","content":"hi"}],"stream":true}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	raw, err := io.ReadAll(bufio.NewReader(resp.Body))
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	out := string(raw)
	if !strings.Contains(out, "Hel") || !strings.Contains(out, "lo") {
		t.Fatalf("stream missing deltas: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated with DONE: %q", out)
	}
}

func TestModelsEndpoint(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", nil)
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodGet, "http://gw/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+gatewayToken)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Object != "list" {
		t.Errorf("object = %q, want list", parsed.Object)
	}
	found := false
	for _, m := range parsed.Data {
		if m.ID == upstreamModel && m.OwnedBy == "prov-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("model list missing %s: %+v", upstreamModel, parsed.Data)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", nil)
	client := serveGateway(t, gw)

	for _, path := range []string{"/health", "/readiness"} {
		resp, err := client.Get("http://gw" + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestClaudeEndpointTranslation(t *testing.T) {
	// The upstream speaks openai; a claude-dialect caller should get a
	// claude-shaped response back.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, openAIUnaryBody("translated"))
	}))
	defer up.Close()

	gw := newTestGateway(t, up.URL, nil)
	client := serveGateway(t, gw)

	body := `{"model":"` + upstreamModel + `","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, "http://gw/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", gatewayToken)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var parsed struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Type != "message" || len(parsed.Content) == 0 || parsed.Content[0].Text != "translated" {
		t.Fatalf("unexpected claude body: %+v", parsed)
	}
}
