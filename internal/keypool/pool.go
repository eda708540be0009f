// Package keypool selects which upstream API key carries a request. It
// combines weighted-random selection across a provider's active keys with
// per-key cooldowns (429 and server-error backoff), a provider-wide
// fail-fast window, and Redis sliding-window QPS ceilings at both the
// provider and the key level.
package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/secrets"
)

// Selection is one acquired key, including the opened secret. The secret
// must never be logged.
type Selection struct {
	ProviderID string
	KeyID      string
	Label      string
	Secret     string
}

// ErrNoAvailableKey reports that every key of a provider was excluded by
// cooldowns or QPS ceilings.
type ErrNoAvailableKey struct {
	Provider    string
	RetryAfter  time.Duration
	RateLimited bool // true when every exclusion was a rate limit
}

func (e *ErrNoAvailableKey) Error() string {
	return fmt.Sprintf("keypool: no available key for provider %s (retry in %s)", e.Provider, e.RetryAfter)
}

// Pool acquires keys for providers and records call outcomes.
type Pool struct {
	box      *secrets.Box
	qps      *QPSLimiter
	cooldown *CooldownTracker
	randFn   func() float64
}

// New creates a Pool. rdb may be nil to disable QPS enforcement.
func New(box *secrets.Box, rdb *redis.Client) *Pool {
	return &Pool{
		box:      box,
		qps:      NewQPSLimiter(rdb),
		cooldown: NewCooldownTracker(),
		randFn:   rand.Float64,
	}
}

// Acquire picks a key from provider's pool: active keys not in cooldown,
// weighted random by key weight, then QPS-checked. The provider ceiling is
// checked once up front so a saturated provider fails fast.
func (p *Pool) Acquire(ctx context.Context, provider core.Provider) (Selection, error) {
	active := provider.ActiveKeys()
	if len(active) == 0 {
		return Selection{}, &ErrNoAvailableKey{Provider: provider.ID, RetryAfter: time.Second}
	}

	if ok, remaining, rateLimited := p.cooldown.ProviderAvailable(provider.ID); !ok {
		return Selection{}, &ErrNoAvailableKey{
			Provider:    provider.ID,
			RetryAfter:  remaining,
			RateLimited: rateLimited,
		}
	}

	if !p.qps.AllowProvider(ctx, provider.ID, provider.MaxQPS) {
		return Selection{}, &ErrNoAvailableKey{
			Provider:    provider.ID,
			RetryAfter:  time.Second,
			RateLimited: true,
		}
	}

	candidates := make([]core.ProviderKey, 0, len(active))
	minRemaining := time.Duration(0)
	allRateLimited := true
	for _, k := range active {
		ok, remaining := p.cooldown.Available(k.ID)
		if !ok {
			if minRemaining == 0 || remaining < minRemaining {
				minRemaining = remaining
			}
			if !p.cooldown.RateLimited(k.ID) {
				allRateLimited = false
			}
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		if minRemaining <= 0 {
			minRemaining = time.Second
		}
		return Selection{}, &ErrNoAvailableKey{
			Provider:    provider.ID,
			RetryAfter:  minRemaining,
			RateLimited: allRateLimited,
		}
	}

	// Weighted random without replacement: try each pick's QPS ceiling and
	// fall through to the remaining candidates when it is saturated.
	for len(candidates) > 0 {
		i := p.pickWeighted(candidates)
		k := candidates[i]
		candidates = append(candidates[:i], candidates[i+1:]...)

		if !p.qps.AllowKey(ctx, provider.ID, k.ID, k.MaxQPS) {
			continue
		}
		secret, err := p.box.Open(k.Sealed)
		if err != nil {
			slog.WarnContext(ctx, "keypool_unseal_failed",
				slog.String("provider", provider.ID),
				slog.String("key_id", k.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		return Selection{
			ProviderID: provider.ID,
			KeyID:      k.ID,
			Label:      k.Label,
			Secret:     secret,
		}, nil
	}

	return Selection{}, &ErrNoAvailableKey{
		Provider:    provider.ID,
		RetryAfter:  time.Second,
		RateLimited: true,
	}
}

// pickWeighted returns the index of a weighted-random candidate. Keys with
// non-positive weight count as weight 1.
func (p *Pool) pickWeighted(keys []core.ProviderKey) int {
	total := 0.0
	for _, k := range keys {
		total += weightOf(k)
	}
	r := p.randFn() * total
	for i, k := range keys {
		r -= weightOf(k)
		if r < 0 {
			return i
		}
	}
	return len(keys) - 1
}

func weightOf(k core.ProviderKey) float64 {
	if k.Weight > 0 {
		return k.Weight
	}
	return 1
}

// ReportOutcome records the result of an upstream call made with keyID.
// 2xx resets cooldown state; 429 trips a rate-limit cooldown honoring
// retryAfter; retryable server errors back off exponentially. Terminal 4xx
// leaves the key untouched — the request was at fault, not the key. Every
// retryable failure also feeds the provider fail-fast window.
func (p *Pool) ReportOutcome(providerID, keyID string, status int, retryAfter time.Duration) {
	switch {
	case status >= 200 && status < 300:
		p.cooldown.Reset(keyID)
		p.cooldown.ResetProvider(providerID)
	case status == 429:
		p.cooldown.TripRateLimit(keyID, retryAfter)
		p.cooldown.NoteProviderFailure(providerID, true)
		slog.Warn("keypool_key_rate_limited",
			slog.String("provider", providerID),
			slog.String("key_id", keyID),
			slog.Duration("retry_after", retryAfter),
		)
	case status >= 500:
		p.cooldown.TripError(keyID)
		p.cooldown.NoteProviderFailure(providerID, false)
	}
}

// Cooldowns exposes the tracker for tests and metrics.
func (p *Pool) Cooldowns() *CooldownTracker { return p.cooldown }
