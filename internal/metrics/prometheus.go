// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{logical_model,provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_routing_decisions_total{logical_model,provider,sticky}
	routingDecisions *prometheus.CounterVec

	// gateway_routing_failures_total{logical_model,reason}
	routingFailures *prometheus.CounterVec

	// gateway_keypool_exhausted_total{provider}
	keypoolExhausted *prometheus.CounterVec

	// gateway_tokens_total{logical_model,provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_credit_units_total{kind}
	creditUnits *prometheus.CounterVec

	// gateway_provider_health{provider} — 1 healthy, 0.5 degraded, 0 down
	providerHealth *prometheus.GaugeVec

	// gateway_sessions_bound_total
	sessionsBound prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes failover)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total proxied requests by logical model and serving provider",
			},
			[]string{"logical_model", "provider", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routing_decisions_total",
				Help: "Scheduler selections by logical model and chosen provider",
			},
			[]string{"logical_model", "provider", "sticky"},
		),

		routingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routing_failures_total",
				Help: "Requests that never reached an upstream, by failure reason",
			},
			[]string{"logical_model", "reason"},
		),

		keypoolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_keypool_exhausted_total",
				Help: "Candidate skips caused by an empty or cooled-down key pool",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"logical_model", "provider", "direction"},
		),

		creditUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credit_units_total",
				Help: "Credit units charged by transaction kind",
			},
			[]string{"kind"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=healthy, 0.5=degraded, 0=down)",
			},
			[]string{"provider"},
		),

		sessionsBound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_bound_total",
			Help: "Conversation stickiness sessions created or refreshed",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.routingDecisions,
		r.routingFailures,
		r.keypoolExhausted,
		r.tokensTotal,
		r.creditUnits,
		r.providerHealth,
		r.sessionsBound,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one completed proxy request.
func (r *Registry) RecordRequest(logicalModel, provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(logicalModel, provider, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordRoutingDecision records a scheduler selection.
func (r *Registry) RecordRoutingDecision(logicalModel, provider string, sticky bool) {
	r.routingDecisions.WithLabelValues(logicalModel, provider, strconv.FormatBool(sticky)).Inc()
}

// RecordRoutingFailure records a request that never reached an upstream.
func (r *Registry) RecordRoutingFailure(logicalModel, reason string) {
	r.routingFailures.WithLabelValues(logicalModel, reason).Inc()
}

func (r *Registry) RecordKeypoolExhausted(provider string) {
	r.keypoolExhausted.WithLabelValues(provider).Inc()
}

func (r *Registry) AddTokens(logicalModel, provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(logicalModel, provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(logicalModel, provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddCreditUnits(kind string, units int64) {
	if units > 0 {
		r.creditUnits.WithLabelValues(kind).Add(float64(units))
	}
}

// SetProviderHealth maps a probe status to the health gauge.
func (r *Registry) SetProviderHealth(provider, status string) {
	v := 0.0
	switch status {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) RecordSessionBound() { r.sessionsBound.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
