// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeBillingError      = "billing_error"
	TypeServerError       = "server_error"
)

// Code constants — the gateway error taxonomy.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeUnknownModel        = "unknown_model"
	CodeModelDisabled       = "model_disabled"
	CodeRequiresResponses   = "requires_responses_endpoint"
	CodeCapabilityMissing   = "capability_missing"
	CodeInvalidRequest      = "invalid_request"
	CodeCreditInsufficient  = "credit_insufficient"
	CodeProviderRestricted  = "provider_restricted"
	CodeNoEligibleUpstreams = "no_eligible_candidates"
	CodeAllRateLimited      = "all_providers_rate_limited"
	CodeAllDown             = "all_providers_down"
	CodeUpstreamRetryable   = "upstream_retryable"
	CodeUpstreamTerminal    = "upstream_terminal"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamProtocol    = "upstream_protocol_error"
	CodeInternalError       = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthenticated writes a 401 for a missing or invalid caller key.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "missing or invalid API key"
	}
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeUnauthenticated)
}

// WriteCreditInsufficient writes a 402 when credit enforcement blocks the request.
func WriteCreditInsufficient(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired,
		"insufficient credit balance", TypeBillingError, CodeCreditInsufficient)
}

// WriteAllRateLimited writes a 429 with a Retry-After hint when every
// candidate was skipped by QPS limits or key cooldowns.
func WriteAllRateLimited(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests,
		"all candidate providers are rate limited", TypeRateLimitError, CodeAllRateLimited)
}

// WriteAllDown writes a 503 when no candidate provider is available.
func WriteAllDown(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no available upstream providers", TypeProviderError, CodeAllDown)
}

// WriteUpstreamTerminal writes a 502 after failover exhaustion.
func WriteUpstreamTerminal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeUpstreamTerminal)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"upstream request timed out", TypeProviderError, CodeUpstreamTimeout)
}
