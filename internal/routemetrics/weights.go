package routemetrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dynamic weight clamp: the adjusted weight never leaves
// [base × MinFactor, base × MaxFactor] so a noisy minute cannot zero out or
// monopolize a provider.
const (
	DefaultMinFactor = 0.2
	DefaultMaxFactor = 3.0

	// defaultLearningRate scales each cohort-relative step so a single
	// minute moves the factor only part of the way toward its target.
	defaultLearningRate = 0.3

	// latencyReferenceMs normalizes the latency delta. The latency term is
	// clamped to [-1, 1] so latency alone cannot dominate the error signal.
	latencyReferenceMs = 1000.0

	errorGain   = 1.0
	latencyGain = 0.5

	weightTTL = 10 * time.Minute
)

// Weights maintains the routing:<logical>:provider_weights sorted sets.
type Weights struct {
	rdb       *redis.Client
	minFactor float64
	maxFactor float64
}

// NewWeights creates a Weights publisher. Factors <= 0 use the defaults.
func NewWeights(rdb *redis.Client, minFactor, maxFactor float64) *Weights {
	if minFactor <= 0 {
		minFactor = DefaultMinFactor
	}
	if maxFactor <= 0 {
		maxFactor = DefaultMaxFactor
	}
	return &Weights{rdb: rdb, minFactor: minFactor, maxFactor: maxFactor}
}

func weightSetKey(logicalModel string) string {
	return "routing:" + logicalModel + ":provider_weights"
}

// UpdateCohort applies one incremental weight step for every provider that
// served logicalModel this minute. Each provider's factor moves by
// Δ·learning_rate, where Δ compares its error rate and p95 latency against
// the cohort mean, clamped to [MinFactor, MaxFactor]. The stored score is
// the factor relative to the provider's base weight, seeded at 1 on first
// observation, so base-weight edits apply without a metrics round trip.
func (w *Weights) UpdateCohort(ctx context.Context, logicalModel string, cohort map[string]Stats) {
	if w.rdb == nil {
		return
	}
	known := make(map[string]Stats, len(cohort))
	var sumErr, sumP95 float64
	for id, st := range cohort {
		if !st.Known() {
			continue
		}
		known[id] = st
		sumErr += st.ErrorRate
		sumP95 += st.P95Ms
	}
	if len(known) == 0 {
		return
	}
	meanErr := sumErr / float64(len(known))
	meanP95 := sumP95 / float64(len(known))

	current := w.Factors(ctx, logicalModel)
	key := weightSetKey(logicalModel)
	pipe := w.rdb.Pipeline()
	for id, st := range known {
		factor, ok := current[id]
		if !ok {
			factor = 1
		}
		delta := errorGain*(meanErr-st.ErrorRate) +
			latencyGain*clamp((meanP95-st.P95Ms)/latencyReferenceMs, -1, 1)
		factor = clamp(factor+delta*defaultLearningRate, w.minFactor, w.maxFactor)
		pipe.ZAdd(ctx, key, redis.Z{Score: factor, Member: id})
	}
	pipe.Expire(ctx, key, weightTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "weights_update_failed",
			slog.String("logical_model", logicalModel),
			slog.String("error", err.Error()),
		)
	}
}

// Factors reads the current factor per provider for a logical model. A
// missing set (or Redis outage) returns an empty map; callers fall back to
// base weights.
func (w *Weights) Factors(ctx context.Context, logicalModel string) map[string]float64 {
	if w.rdb == nil {
		return nil
	}
	zs, err := w.rdb.ZRangeWithScores(ctx, weightSetKey(logicalModel), 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make(map[string]float64, len(zs))
	for _, z := range zs {
		if member, ok := z.Member.(string); ok {
			out[member] = z.Score
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
