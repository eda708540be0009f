package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCollects(t *testing.T) {
	r := New()

	r.IncInFlight()
	r.ObserveHTTP("/v1/chat/completions", 200, 50*time.Millisecond)
	r.RecordRequest("gpt-fast", "openai-main", 200)
	r.ObserveUpstreamAttempt("openai-main", "success", 30*time.Millisecond)
	r.RecordRoutingDecision("gpt-fast", "openai-main", false)
	r.RecordRoutingFailure("gpt-fast", "no_candidates")
	r.RecordKeypoolExhausted("openai-main")
	r.AddTokens("gpt-fast", "openai-main", 12, 34)
	r.AddCreditUnits("settle", 5)
	r.SetProviderHealth("openai-main", "degraded")
	r.RecordSessionBound()
	r.SetBuildInfo("test")

	if got := testutil.ToFloat64(r.inFlight); got != 1 {
		t.Fatalf("inflight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("gpt-fast", "openai-main", "output")); got != 34 {
		t.Fatalf("output tokens = %v, want 34", got)
	}
	if got := testutil.ToFloat64(r.providerHealth.WithLabelValues("openai-main")); got != 0.5 {
		t.Fatalf("health = %v, want 0.5", got)
	}
	if got := testutil.ToFloat64(r.creditUnits.WithLabelValues("settle")); got != 5 {
		t.Fatalf("credit units = %v, want 5", got)
	}

	names, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range names {
		if strings.HasPrefix(mf.GetName(), "gateway_requests_total") {
			found = true
		}
	}
	if !found {
		t.Fatal("gateway_requests_total not exported")
	}
}

func TestTokensIgnoresNonPositive(t *testing.T) {
	r := New()
	r.AddTokens("m", "p", 0, -5)
	if got := testutil.CollectAndCount(r.tokensTotal); got != 0 {
		t.Fatalf("series count = %d, want 0", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	if r.Handler() == nil {
		t.Fatal("nil metrics handler")
	}
}
