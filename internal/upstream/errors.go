package upstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/pkg/apierr"
)

// StatusError is a non-2xx upstream reply. Body holds the raw upstream
// payload in the dialect the provider speaks.
type StatusError struct {
	ProviderID string
	Status     int
	Style      core.APIStyle
	Body       []byte
	RetryAfter time.Duration // from the Retry-After header on 429
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: provider %s returned status %d", e.ProviderID, e.Status)
}

// HTTPStatus implements the status-coder convention used by error writers.
func (e *StatusError) HTTPStatus() int { return e.Status }

// Message extracts the human-readable error text from the upstream body.
// Both the openai and claude error envelopes nest it under error.message.
func (e *StatusError) Message() string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(e.Body, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if len(e.Body) > 0 && len(e.Body) < 512 {
		return string(e.Body)
	}
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Translate renders the upstream error in the caller's dialect.
func (e *StatusError) Translate(target core.APIStyle) []byte {
	msg := e.Message()
	var body any
	switch target {
	case core.StyleClaude:
		body = map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": msg},
		}
	default:
		body = map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    apierr.TypeProviderError,
				"code":    apierr.CodeUpstreamTerminal,
			},
		}
	}
	raw, _ := json.Marshal(body)
	return raw
}

// AllFailedError reports failover exhaustion: every ordered candidate was
// skipped or failed.
type AllFailedError struct {
	Attempts    int           // candidates that actually received a request
	RateLimited bool          // every exclusion and failure was a rate limit
	Down        bool          // no candidate ever received a request
	RetryAfter  time.Duration // smallest retry hint seen, when rate limited
	LastErr     error
}

func (e *AllFailedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("upstream: all candidates failed after %d attempt(s): %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("upstream: all candidates failed after %d attempt(s)", e.Attempts)
}

func (e *AllFailedError) Unwrap() error { return e.LastErr }
