package keypool

import (
	"sync"
	"time"
)

// Cooldown tuning defaults.
const (
	// DefaultRateLimitCooldown is applied on a 429 without a Retry-After hint.
	DefaultRateLimitCooldown = 60 * time.Second

	// baseErrorCooldown is the first backoff step for server errors; it
	// doubles per consecutive failure up to maxErrorCooldown.
	baseErrorCooldown = time.Second
	maxErrorCooldown  = 5 * time.Minute

	// providerFailureThreshold retryable failures within
	// providerFailureWindow trip a provider-wide fail-fast on top of the
	// per-key state, so a provider melting down across many keys is skipped
	// without burning an attempt per key.
	providerFailureThreshold = 5
	providerFailureWindow    = 30 * time.Second
	providerFailFast         = 30 * time.Second
)

// keyCooldown holds per-key cooldown state.
type keyCooldown struct {
	until        time.Time
	consecutive  int // consecutive failures since last success
	lastTripped  time.Time
	rateLimited  bool // whether the active cooldown came from a 429
}

// providerCooldown holds the provider-wide fail-fast state: a rolling
// failure window plus the trip expiry once the threshold is crossed.
type providerCooldown struct {
	until       time.Time
	failures    []time.Time
	rateLimited bool
}

// CooldownTracker sidelines failing provider keys for a bounded interval.
// Rate-limit trips honor the upstream Retry-After hint; server errors back
// off exponentially and any success clears the state. Retryable failures
// also count against a per-provider rolling window whose threshold trips a
// provider-wide fail-fast. Safe for concurrent use from multiple goroutines.
type CooldownTracker struct {
	mu        sync.Mutex
	keys      map[string]*keyCooldown
	providers map[string]*providerCooldown
	now       func() time.Time
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		keys:      make(map[string]*keyCooldown),
		providers: make(map[string]*providerCooldown),
		now:       time.Now,
	}
}

// Available reports whether keyID may be selected, and if not, how long
// until its cooldown expires.
func (c *CooldownTracker) Available(keyID string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kc, ok := c.keys[keyID]
	if !ok {
		return true, 0
	}
	remaining := kc.until.Sub(c.now())
	if remaining <= 0 {
		return true, 0
	}
	return false, remaining
}

// RateLimited reports whether the key's active cooldown came from a 429.
func (c *CooldownTracker) RateLimited(keyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kc, ok := c.keys[keyID]
	return ok && kc.rateLimited && kc.until.After(c.now())
}

// TripRateLimit sidelines keyID after an upstream 429. retryAfter <= 0 falls
// back to DefaultRateLimitCooldown.
func (c *CooldownTracker) TripRateLimit(keyID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultRateLimitCooldown
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kc := c.get(keyID)
	kc.consecutive++
	kc.until = c.now().Add(retryAfter)
	kc.lastTripped = c.now()
	kc.rateLimited = true
}

// TripError sidelines keyID after a retryable server error. The cooldown
// doubles with each consecutive failure.
func (c *CooldownTracker) TripError(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kc := c.get(keyID)
	kc.consecutive++
	backoff := baseErrorCooldown << (kc.consecutive - 1)
	if backoff > maxErrorCooldown || backoff <= 0 {
		backoff = maxErrorCooldown
	}
	kc.until = c.now().Add(backoff)
	kc.lastTripped = c.now()
	kc.rateLimited = false
}

// Reset clears all cooldown state for keyID after a successful call.
func (c *CooldownTracker) Reset(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, keyID)
}

// ProviderAvailable reports whether providerID's fail-fast is open, and if
// tripped, how long until it reopens and whether rate limits tripped it.
func (c *CooldownTracker) ProviderAvailable(providerID string) (ok bool, remaining time.Duration, rateLimited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, found := c.providers[providerID]
	if !found {
		return true, 0, false
	}
	remaining = pc.until.Sub(c.now())
	if remaining <= 0 {
		return true, 0, false
	}
	return false, remaining, pc.rateLimited
}

// NoteProviderFailure counts one retryable failure against providerID's
// rolling window. Crossing the threshold trips the provider-wide fail-fast
// and drains the window.
func (c *CooldownTracker) NoteProviderFailure(providerID string, rateLimited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.providers[providerID]
	if !ok {
		pc = &providerCooldown{}
		c.providers[providerID] = pc
	}
	now := c.now()
	cutoff := now.Add(-providerFailureWindow)
	kept := pc.failures[:0]
	for _, ts := range pc.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	pc.failures = append(kept, now)
	if len(pc.failures) < providerFailureThreshold {
		return
	}
	pc.failures = nil
	pc.until = now.Add(providerFailFast)
	pc.rateLimited = rateLimited
}

// ResetProvider clears providerID's failure window after a successful call.
func (c *CooldownTracker) ResetProvider(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.providers, providerID)
}

func (c *CooldownTracker) get(keyID string) *keyCooldown {
	kc, ok := c.keys[keyID]
	if !ok {
		kc = &keyCooldown{}
		c.keys[keyID] = kc
	}
	return kc
}
