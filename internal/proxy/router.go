package proxy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/polyrelay/polyrelay/internal/core"
)

// Handler builds the full middleware-wrapped request handler.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/messages", g.handleMessages)
	r.POST("/v1/responses", g.handleResponses)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until the listener fails.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler: g.Handler(),
		// Streaming responses hold the connection; only reads are bounded.
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: 32 << 20,
		StreamRequestBody:  false,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, core.StyleOpenAI, "chat_completions")
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, core.StyleClaude, "messages")
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, core.StyleResponses, "responses")
}

// handleModels lists every model the caller could route to, in the OpenAI
// list shape. Disabled catalog entries are omitted.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	who, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	snap := g.reg.Snapshot()
	seen := map[string]bool{}
	var out []modelEntry
	add := func(id, owner string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, modelEntry{ID: id, Object: "model", OwnedBy: owner})
	}

	for _, p := range snap.Visible(who.User, who.AllowedProviders) {
		if !p.Enabled {
			continue
		}
		for _, m := range snap.Models[p.ID] {
			if m.Disabled {
				continue
			}
			add(m.ModelID, p.ID)
			add(m.Alias, p.ID)
		}
		for _, sm := range p.StaticModels {
			add(sm, p.ID)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	writeJSON(ctx, map[string]any{"object": "list", "data": out})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"uptime":    g.health.Uptime().String(),
		"providers": g.health.Snapshot(),
	})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.reg.Snapshot() == nil || (g.kv != nil && !g.kv.Ready(ctx)) {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
