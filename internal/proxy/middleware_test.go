package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if seen == "" {
		t.Fatal("no request id generated")
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Fatalf("header %q != context value %q", got, seen)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "my-id")
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "my-id" {
		t.Fatalf("request id = %q, want my-id", got)
	}
}

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Fatal("X-Response-Time not set")
	}
}

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	for _, h := range []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Content-Security-Policy",
	} {
		if len(ctx.Response.Header.Peek(h)) == 0 {
			t.Errorf("header %s not set", h)
		}
	}
}

func TestCORS_Wildcard(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	handler := corsHandler([]string{"https://a.example", "https://b.example"})(func(ctx *fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	want := "https://a.example, https://b.example"
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != want {
		t.Fatalf("allow-origin = %q, want %q", got, want)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	called := false
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) { called = true })
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)
	if called {
		t.Fatal("preflight reached the inner handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d, want 204", ctx.Response.StatusCode())
	}
}
