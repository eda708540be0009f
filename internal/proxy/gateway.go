// Package proxy is the request orchestrator: it authenticates the caller,
// resolves the requested model, asks the scheduler for a failover plan, runs
// the upstream engine, and renders the response (unary or SSE) back in the
// caller's dialect. Metering and stickiness bookkeeping happen here, after
// the upstream outcome is known.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/credit"
	"github.com/polyrelay/polyrelay/internal/health"
	"github.com/polyrelay/polyrelay/internal/kv"
	"github.com/polyrelay/polyrelay/internal/logical"
	"github.com/polyrelay/polyrelay/internal/metrics"
	"github.com/polyrelay/polyrelay/internal/registry"
	"github.com/polyrelay/polyrelay/internal/routemetrics"
	"github.com/polyrelay/polyrelay/internal/scheduler"
	"github.com/polyrelay/polyrelay/internal/session"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/upstream"
	"github.com/polyrelay/polyrelay/pkg/apierr"
)

// DefaultProviderTimeout bounds one unary upstream exchange end to end.
const DefaultProviderTimeout = 120 * time.Second

// Gateway wires the proxy pipeline together. Every field except store,
// registry, resolver, scheduler and engine may be nil; missing subsystems
// degrade to no-ops.
type Gateway struct {
	store    *store.SQLiteStore
	reg      *registry.Registry
	resolver *logical.Resolver
	sched    *scheduler.Scheduler
	engine   *upstream.Engine

	sessions  *session.Store
	meter     *credit.Meter
	health    *health.Monitor
	collector *routemetrics.Collector
	weights   *routemetrics.Weights
	metrics   *metrics.Registry
	kv        *kv.Store

	log             *slog.Logger
	corsOrigins     []string
	providerTimeout time.Duration
}

// Option values assemble a Gateway.
type Options struct {
	Store    *store.SQLiteStore
	Registry *registry.Registry
	Resolver *logical.Resolver
	Sched    *scheduler.Scheduler
	Engine   *upstream.Engine

	Sessions  *session.Store
	Meter     *credit.Meter
	Health    *health.Monitor
	Collector *routemetrics.Collector
	Weights   *routemetrics.Weights
	Metrics   *metrics.Registry
	KV        *kv.Store

	Logger          *slog.Logger
	CORSOrigins     []string
	ProviderTimeout time.Duration
}

func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Gateway{
		store:           opts.Store,
		reg:             opts.Registry,
		resolver:        opts.Resolver,
		sched:           opts.Sched,
		engine:          opts.Engine,
		sessions:        opts.Sessions,
		meter:           opts.Meter,
		health:          opts.Health,
		collector:       opts.Collector,
		weights:         opts.Weights,
		metrics:         opts.Metrics,
		kv:              opts.KV,
		log:             log,
		corsOrigins:     opts.CORSOrigins,
		providerTimeout: timeout,
	}
}

// dispatch runs the full pipeline for one inbound chat request on the
// endpoint speaking callerStyle.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, callerStyle core.APIStyle, route string) {
	start := time.Now()
	streaming := false
	servedModel := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming finalizes in the body writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	who, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	chat, err := adapter.ParseRequest(ctx.PostBody(), callerStyle)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if chat.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	servedModel = chat.Model

	if g.meter != nil {
		if err := g.meter.EnsureUsable(ctx, who.User.ID); err != nil {
			var ins *credit.ErrInsufficient
			if errors.As(err, &ins) {
				apierr.WriteCreditInsufficient(ctx)
				return
			}
		}
	}

	res, err := g.resolver.Resolve(ctx, chat.Model, who.User, who.AllowedProviders, callerStyle)
	if err != nil {
		g.writeRoutedError(ctx, callerStyle, err)
		return
	}
	if len(res.Candidates) == 0 {
		g.recordRoutingFailure(servedModel, "no_candidates")
		apierr.WriteAllDown(ctx)
		return
	}

	var sess *core.Session
	if g.sessions != nil && chat.ConversationID != "" {
		if s, ok := g.sessions.Lookup(ctx, chat.ConversationID, res.Model.ID); ok {
			sess = s
			// Slide the binding TTL while the conversation stays active.
			g.sessions.Touch(ctx, s)
		}
	}

	decision, err := g.sched.Choose(scheduler.Input{
		LogicalModel: res.Model.ID,
		Candidates:   res.Candidates,
		Stats:        g.statsFn(res.Model.ID),
		Health:       g.healthFn(ctx),
		Factors:      g.factors(ctx, res.Model.ID),
		Session:      sess,
	})
	if err != nil {
		g.recordRoutingFailure(servedModel, "min_score")
		apierr.WriteAllDown(ctx)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRoutingDecision(res.Model.ID, decision.Selected.Provider.ID, decision.Sticky)
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", chat.Model),
		slog.String("provider", decision.Selected.Provider.ID),
		slog.Bool("stream", chat.Stream),
		slog.Bool("sticky", decision.Sticky),
	)

	upReq := &upstream.Request{
		RequestID:    reqID,
		LogicalModel: res.Model.ID,
		CallerStyle:  callerStyle,
		Chat:         chat,
	}

	if chat.Stream {
		streaming = true
		g.serveStream(ctx, who, decision, upReq, route, start)
		return
	}
	g.serveUnary(ctx, who, decision, upReq)
}

// serveUnary executes the failover plan for a non-streaming request and
// writes the rendered body.
func (g *Gateway) serveUnary(ctx *fasthttp.RequestCtx, who *caller, decision scheduler.Decision, req *upstream.Request) {
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	result, err := g.engine.Execute(provCtx, decision.Ordered, req)
	if err != nil {
		g.writeRoutedError(ctx, req.CallerStyle, err)
		return
	}

	g.afterSuccess(ctx, who, req, result.ProviderID, result.ModelID, result.Usage, 0)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(result.Body)
}

// serveStream executes the failover plan for a streaming request. Failover is
// still possible until the first translated byte; after that the SSE body
// writer owns the connection and errors terminate in-band.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, who *caller, decision scheduler.Decision, req *upstream.Request, route string, start time.Time) {
	// The body writer runs after this handler returns, so the stream cannot
	// live on the request context.
	streamCtx, cancel := context.WithCancel(context.Background())

	sess, err := g.engine.ExecuteStream(streamCtx, decision.Ordered, req)
	if err != nil {
		cancel()
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, errorHTTPStatus(err), time.Since(start))
		}
		g.writeRoutedError(ctx, req.CallerStyle, err)
		return
	}

	precharged := 0
	if g.meter != nil && g.meter.PreChargeEnabled() && req.Chat.MaxTokens > 0 {
		precharged = req.Chat.MaxTokens
		g.meter.PreCharge(streamCtx, g.chargeFor(who, req, sess.ProviderID, core.Usage{}), precharged)
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer sess.Close()
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics

		for {
			chunk, err := sess.Next(streamCtx)
			if len(chunk) > 0 {
				if _, werr := w.Write(chunk); werr != nil {
					break
				}
				if werr := w.Flush(); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}

		usage := sess.Usage()
		g.afterSuccess(streamCtx, who, req, sess.ProviderID, sess.ModelID, usage, precharged)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		}
	})
}

// afterSuccess runs the bookkeeping shared by unary and stream completion:
// stickiness binding, credit settlement, token metrics. A request that was
// precharged is reconciled against the reservation instead of settled, so it
// is billed exactly once.
func (g *Gateway) afterSuccess(ctx context.Context, who *caller, req *upstream.Request, providerID, modelID string, usage core.Usage, prechargedTokens int) {
	if g.sessions != nil && req.Chat.ConversationID != "" {
		g.sessions.Bind(ctx, req.Chat.ConversationID, req.LogicalModel, providerID, modelID)
		if g.metrics != nil {
			g.metrics.RecordSessionBound()
		}
	}
	if g.meter != nil {
		charge := g.chargeFor(who, req, providerID, usage)
		if prechargedTokens > 0 {
			g.meter.Reconcile(ctx, charge, prechargedTokens)
		} else {
			g.meter.Settle(ctx, charge)
		}
	}
	if g.metrics != nil {
		g.metrics.AddTokens(req.LogicalModel, providerID, usage.InputTokens, usage.OutputTokens)
		g.metrics.RecordRequest(req.LogicalModel, providerID, fasthttp.StatusOK)
	}
}

func (g *Gateway) chargeFor(who *caller, req *upstream.Request, providerID string, usage core.Usage) credit.Charge {
	factor := 1.0
	if snap := g.reg.Snapshot(); snap != nil {
		if p, ok := snap.Provider(providerID); ok && p.BillingFactor > 0 {
			factor = p.BillingFactor
		}
	}
	return credit.Charge{
		UserID:        who.User.ID,
		RequestID:     req.RequestID,
		LogicalModel:  req.LogicalModel,
		ProviderID:    providerID,
		BillingFactor: factor,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
	}
}

func (g *Gateway) statsFn(logicalModel string) func(string) routemetrics.Stats {
	if g.collector == nil {
		return nil
	}
	return func(providerID string) routemetrics.Stats {
		return g.collector.ProviderStats(logicalModel, providerID)
	}
}

func (g *Gateway) healthFn(ctx context.Context) func(string) string {
	if g.health == nil {
		return nil
	}
	return func(providerID string) string {
		return g.health.Status(ctx, providerID).Status
	}
}

func (g *Gateway) factors(ctx context.Context, logicalModel string) map[string]float64 {
	if g.weights == nil {
		return nil
	}
	return g.weights.Factors(ctx, logicalModel)
}

func (g *Gateway) recordRoutingFailure(model, reason string) {
	if g.metrics != nil {
		g.metrics.RecordRoutingFailure(model, reason)
	}
}

// writeRoutedError maps a pipeline error onto the HTTP response in the
// caller's dialect.
func (g *Gateway) writeRoutedError(ctx *fasthttp.RequestCtx, callerStyle core.APIStyle, err error) {
	var re *logical.ResolveError
	if errors.As(err, &re) {
		apierr.Write(ctx, re.Status, re.Message, re.Type, re.Code)
		return
	}

	var se *upstream.StatusError
	if errors.As(err, &se) {
		ctx.SetStatusCode(se.HTTPStatus())
		ctx.SetContentType("application/json")
		ctx.SetBody(se.Translate(callerStyle))
		return
	}

	var af *upstream.AllFailedError
	if errors.As(err, &af) {
		switch {
		case af.RateLimited:
			apierr.WriteAllRateLimited(ctx, int(af.RetryAfter/time.Second))
		case af.Down:
			apierr.WriteAllDown(ctx)
		default:
			msg := "all upstream candidates failed"
			if af.LastErr != nil {
				msg = af.LastErr.Error()
			}
			apierr.WriteUpstreamTerminal(ctx, msg)
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeUpstreamTerminal)
}

// errorHTTPStatus mirrors writeRoutedError's status mapping for metrics.
func errorHTTPStatus(err error) int {
	var re *logical.ResolveError
	if errors.As(err, &re) {
		return re.Status
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	var af *upstream.AllFailedError
	if errors.As(err, &af) {
		switch {
		case af.RateLimited:
			return fasthttp.StatusTooManyRequests
		case af.Down:
			return fasthttp.StatusServiceUnavailable
		}
		return fasthttp.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusGatewayTimeout
	}
	return fasthttp.StatusBadGateway
}
