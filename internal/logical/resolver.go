// Package logical resolves a requested model name into routable upstream
// candidates. Static definitions live in Redis under logical_model:<id>;
// when no static definition exists, a dynamic one is synthesized from the
// provider catalogs visible to the caller.
package logical

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/kv"
	"github.com/polyrelay/polyrelay/internal/registry"
	"github.com/polyrelay/polyrelay/pkg/apierr"
)

const (
	redisKeyPrefix = "logical_model:"

	// staticCacheTTL keeps hot static definitions out of Redis on every
	// request without letting edits lag noticeably.
	staticCacheTTL = 5 * time.Second
)

// disabledModelMessage is user-facing and intentionally matches the text
// shown by the management console.
const disabledModelMessage = "该模型已被禁用"

// Candidate pairs an upstream physical model with its provider.
type Candidate struct {
	Provider core.Provider
	Upstream core.PhysicalModel
}

// Resolution is the outcome of resolving a model name for one caller.
type Resolution struct {
	Model      core.LogicalModel
	Candidates []Candidate
	Dynamic    bool // synthesized rather than statically defined
}

// ResolveError carries the HTTP mapping for a resolution failure.
type ResolveError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *ResolveError) Error() string   { return e.Message }
func (e *ResolveError) HTTPStatus() int { return e.Status }

func errUnknownModel(name string) *ResolveError {
	return &ResolveError{
		Status:  fasthttp.StatusBadRequest,
		Type:    apierr.TypeInvalidRequest,
		Code:    apierr.CodeUnknownModel,
		Message: "model not found: " + name,
	}
}

func errModelDisabled() *ResolveError {
	return &ResolveError{
		Status:  fasthttp.StatusBadRequest,
		Type:    apierr.TypeInvalidRequest,
		Code:    apierr.CodeModelDisabled,
		Message: disabledModelMessage,
	}
}

func errRequiresResponses(name string) *ResolveError {
	return &ResolveError{
		Status:  fasthttp.StatusBadRequest,
		Type:    apierr.TypeInvalidRequest,
		Code:    apierr.CodeRequiresResponses,
		Message: "model " + name + " is only served via the /v1/responses endpoint",
	}
}

type cachedStatic struct {
	model   *core.LogicalModel
	fetched time.Time
}

// Resolver resolves model names against Redis and the registry snapshot.
type Resolver struct {
	kv  *kv.Store
	reg *registry.Registry

	mu    sync.Mutex
	cache map[string]cachedStatic
	now   func() time.Time
}

// New creates a Resolver. redis may be nil; only dynamic synthesis works then.
func New(redis *kv.Store, reg *registry.Registry) *Resolver {
	return &Resolver{
		kv:    redis,
		reg:   reg,
		cache: make(map[string]cachedStatic),
		now:   time.Now,
	}
}

// Resolve maps modelName to upstream candidates for the given caller.
// callerStyle is the dialect of the inbound endpoint; a model whose every
// upstream requires the responses dialect rejects chat/messages callers.
func (r *Resolver) Resolve(ctx context.Context, modelName string, user core.User, allowedProviders []string, callerStyle core.APIStyle) (*Resolution, error) {
	snap := r.reg.Snapshot()

	lm := r.lookupStatic(ctx, modelName)
	dynamic := false
	if lm == nil {
		var disabledOnly bool
		lm, disabledOnly = r.synthesize(snap, modelName, user, allowedProviders)
		dynamic = true
		if lm == nil && disabledOnly {
			return nil, errModelDisabled()
		}
	}
	if lm == nil {
		return nil, errUnknownModel(modelName)
	}
	if !lm.Enabled {
		return nil, errModelDisabled()
	}

	visible := map[string]core.Provider{}
	for _, p := range snap.Visible(user, allowedProviders) {
		visible[p.ID] = p
	}

	var candidates []Candidate
	responsesOnly := true
	for _, up := range lm.Upstreams {
		if up.Disabled {
			continue
		}
		p, ok := visible[up.ProviderID]
		if !ok || !registry.RoutingEligible(p) {
			continue
		}
		if m, ok := snap.Model(up.ProviderID, up.ModelID); ok && m.Disabled {
			continue
		}
		if up.Style != core.StyleResponses {
			responsesOnly = false
		}
		candidates = append(candidates, Candidate{Provider: p, Upstream: up})
	}

	if len(candidates) == 0 {
		if dynamic {
			return nil, errUnknownModel(modelName)
		}
		// Statically defined but nothing routable right now: the scheduler
		// layer reports availability, not the resolver. Return the empty set.
	}
	if len(candidates) > 0 && responsesOnly && callerStyle != core.StyleResponses {
		return nil, errRequiresResponses(modelName)
	}

	return &Resolution{Model: *lm, Candidates: candidates, Dynamic: dynamic}, nil
}

// lookupStatic fetches the static definition with a short in-process cache.
// Both positive and negative results are cached.
func (r *Resolver) lookupStatic(ctx context.Context, modelName string) *core.LogicalModel {
	if r.kv == nil {
		return nil
	}

	r.mu.Lock()
	if c, ok := r.cache[modelName]; ok && r.now().Sub(c.fetched) < staticCacheTTL {
		r.mu.Unlock()
		return c.model
	}
	r.mu.Unlock()

	var lm *core.LogicalModel
	if raw, ok := r.kv.Get(ctx, redisKeyPrefix+modelName); ok {
		var parsed core.LogicalModel
		if err := json.Unmarshal(raw, &parsed); err == nil {
			lm = &parsed
		}
	}

	r.mu.Lock()
	r.cache[modelName] = cachedStatic{model: lm, fetched: r.now()}
	r.mu.Unlock()
	return lm
}

// synthesize builds a dynamic logical model from every visible provider
// whose catalog (or static model list) carries modelName. disabledOnly is
// true when the name matched at least one catalog row but every match is
// disabled, so the caller can distinguish "disabled" from "unknown".
func (r *Resolver) synthesize(snap *registry.Snapshot, modelName string, user core.User, allowedProviders []string) (lm *core.LogicalModel, disabledOnly bool) {
	var upstreams []core.PhysicalModel
	matchedDisabled := false
	for _, p := range snap.Visible(user, allowedProviders) {
		if !registry.RoutingEligible(p) {
			continue
		}
		if m, ok := snap.Model(p.ID, modelName); ok {
			if m.Disabled {
				matchedDisabled = true
				continue
			}
			upstreams = append(upstreams, core.PhysicalModel{
				ProviderID: p.ID,
				ModelID:    m.ModelID,
				Style:      defaultStyle(p),
				BaseWeight: p.BaseWeight,
				Region:     p.Region,
				MetaHash:   m.MetaHash,
			})
			continue
		}
		for _, sm := range p.StaticModels {
			if sm == modelName {
				upstreams = append(upstreams, core.PhysicalModel{
					ProviderID: p.ID,
					ModelID:    modelName,
					Style:      defaultStyle(p),
					BaseWeight: p.BaseWeight,
					Region:     p.Region,
				})
				break
			}
		}
	}
	if len(upstreams) == 0 {
		return nil, matchedDisabled
	}
	return &core.LogicalModel{
		ID:        modelName,
		Upstreams: upstreams,
		Enabled:   true,
	}, false
}

// defaultStyle picks the upstream dialect for a synthesized candidate: the
// provider's first declared style.
func defaultStyle(p core.Provider) core.APIStyle {
	if len(p.Styles) > 0 {
		return p.Styles[0]
	}
	return core.StyleOpenAI
}

// PublishStatic stores a static logical model definition in Redis. Used by
// the seed loader.
func PublishStatic(ctx context.Context, redis *kv.Store, lm core.LogicalModel) error {
	raw, err := json.Marshal(lm)
	if err != nil {
		return err
	}
	return redis.Set(ctx, redisKeyPrefix+lm.ID, raw, 0)
}
