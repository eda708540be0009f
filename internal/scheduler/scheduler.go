// Package scheduler turns routable candidates into an ordered failover plan.
// Each candidate is scored from its dynamic weight, recent latency and error
// rate, and provider health; the selection is weighted random over positive
// scores with an advisory stickiness override.
package scheduler

import (
	"errors"
	"math/rand/v2"
	"sort"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/logical"
	"github.com/polyrelay/polyrelay/internal/routemetrics"
)

// ErrNoCandidates reports that every candidate was dropped by min_score.
var ErrNoCandidates = errors.New("scheduler: no candidate above min score")

// Strategy holds the scoring knobs.
type Strategy struct {
	Alpha            float64 // latency weight
	Beta             float64 // error-rate weight
	Gamma            float64 // cost weight (reserved)
	Delta            float64 // status-penalty weight
	MinScore         float64
	EnableStickiness bool
}

// DefaultStrategy returns the production defaults.
func DefaultStrategy() Strategy {
	return Strategy{
		Alpha:            0.3,
		Beta:             0.5,
		Gamma:            0,
		Delta:            0.4,
		MinScore:         0,
		EnableStickiness: true,
	}
}

// Input carries everything one decision needs.
type Input struct {
	LogicalModel string
	Candidates   []logical.Candidate

	// Stats returns the latest finalized minute stats for a provider; the
	// zero value means unknown.
	Stats func(providerID string) routemetrics.Stats

	// Health returns the probe status for a provider (core.Health*).
	Health func(providerID string) string

	// Factors are the dynamic weight multipliers from Redis; a missing
	// provider falls back to factor 1 (its base weight).
	Factors map[string]float64

	// Session is the stickiness record for the conversation, if any.
	Session *core.Session
}

// Decision is an ordered failover plan. Ordered starts with Selected and
// continues in descending score order.
type Decision struct {
	Selected logical.Candidate
	Ordered  []logical.Candidate
	Scores   map[string]float64
	Sticky   bool
}

// Scheduler scores and selects candidates.
type Scheduler struct {
	strat  Strategy
	randFn func() float64
}

// New creates a Scheduler with the given strategy.
func New(strat Strategy) *Scheduler {
	return &Scheduler{strat: strat, randFn: rand.Float64}
}

type scored struct {
	cand  logical.Candidate
	score float64
}

// Choose produces the failover plan for one request.
func (s *Scheduler) Choose(in Input) (Decision, error) {
	ranked := make([]scored, 0, len(in.Candidates))
	scores := make(map[string]float64, len(in.Candidates))

	for _, c := range in.Candidates {
		sc := s.score(in, c)
		scores[c.Provider.ID] = sc
		if sc < s.strat.MinScore {
			continue
		}
		ranked = append(ranked, scored{cand: c, score: sc})
	}
	if len(ranked) == 0 {
		return Decision{Scores: scores}, ErrNoCandidates
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	selectedIdx := -1
	sticky := false
	if s.strat.EnableStickiness && in.Session != nil {
		for i, r := range ranked {
			if r.cand.Provider.ID == in.Session.ProviderID &&
				r.cand.Upstream.ModelID == in.Session.ModelID {
				selectedIdx = i
				sticky = true
				break
			}
		}
	}
	if selectedIdx < 0 {
		selectedIdx = s.pickWeighted(ranked)
	}

	ordered := make([]logical.Candidate, 0, len(ranked))
	ordered = append(ordered, ranked[selectedIdx].cand)
	for i, r := range ranked {
		if i == selectedIdx {
			continue
		}
		ordered = append(ordered, r.cand)
	}

	return Decision{
		Selected: ranked[selectedIdx].cand,
		Ordered:  ordered,
		Scores:   scores,
		Sticky:   sticky,
	}, nil
}

// score applies the strategy to one candidate.
func (s *Scheduler) score(in Input, c logical.Candidate) float64 {
	base := baseWeight(c)
	if f, ok := in.Factors[c.Provider.ID]; ok && f > 0 {
		base *= f
	}

	normLat := 0.5 // unknown traffic profile
	errRate := 0.0
	if in.Stats != nil {
		if st := in.Stats(c.Provider.ID); st.Known() {
			normLat = clamp(st.P95Ms/4000, 0, 1)
			errRate = st.ErrorRate
		}
	}

	penalty := 0.0
	if in.Health != nil {
		switch in.Health(c.Provider.ID) {
		case core.HealthDown:
			penalty = 1.0
		case core.HealthDegraded:
			penalty = 0.5
		}
	}

	cost := 0.0 // reserved
	return base - s.strat.Alpha*normLat - s.strat.Beta*errRate - s.strat.Gamma*cost - s.strat.Delta*penalty
}

// pickWeighted draws an index using max(score, 0) as weight, falling back to
// uniform when every weight is zero.
func (s *Scheduler) pickWeighted(ranked []scored) int {
	total := 0.0
	for _, r := range ranked {
		if r.score > 0 {
			total += r.score
		}
	}
	if total <= 0 {
		return int(s.randFn() * float64(len(ranked)))
	}
	draw := s.randFn() * total
	for i, r := range ranked {
		if r.score <= 0 {
			continue
		}
		draw -= r.score
		if draw < 0 {
			return i
		}
	}
	return len(ranked) - 1
}

func baseWeight(c logical.Candidate) float64 {
	if c.Upstream.BaseWeight > 0 {
		return c.Upstream.BaseWeight
	}
	if c.Provider.BaseWeight > 0 {
		return c.Provider.BaseWeight
	}
	return 1
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
