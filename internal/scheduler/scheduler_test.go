package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/logical"
	"github.com/polyrelay/polyrelay/internal/routemetrics"
)

func candidate(providerID, modelID string, weight float64) logical.Candidate {
	return logical.Candidate{
		Provider: core.Provider{ID: providerID, BaseWeight: weight, Enabled: true},
		Upstream: core.PhysicalModel{ProviderID: providerID, ModelID: modelID, BaseWeight: weight},
	}
}

func healthyInput(cands ...logical.Candidate) Input {
	return Input{
		LogicalModel: "gpt-best",
		Candidates:   cands,
		Health:       func(string) string { return core.HealthHealthy },
	}
}

func TestScoreFormula(t *testing.T) {
	s := New(Strategy{Alpha: 0.3, Beta: 0.5, Delta: 0.4})

	stats := map[string]routemetrics.Stats{
		"p1": {P95Ms: 2000, ErrorRate: 0.2, Requests: 100},
	}
	in := Input{
		Candidates: []logical.Candidate{candidate("p1", "m1", 1)},
		Stats:      func(id string) routemetrics.Stats { return stats[id] },
		Health:     func(string) string { return core.HealthDegraded },
	}
	dec, err := s.Choose(in)
	require.NoError(t, err)

	// base 1 − 0.3·(2000/4000) − 0.5·0.2 − 0.4·0.5 = 1 − 0.15 − 0.1 − 0.2
	assert.InDelta(t, 0.55, dec.Scores["p1"], 1e-9)
}

func TestUnknownStatsUseNeutralLatency(t *testing.T) {
	s := New(Strategy{Alpha: 0.4})

	dec, err := s.Choose(healthyInput(candidate("p1", "m1", 1)))
	require.NoError(t, err)
	// norm_lat defaults to 0.5 → 1 − 0.4·0.5
	assert.InDelta(t, 0.8, dec.Scores["p1"], 1e-9)
}

func TestDynamicFactorScalesBase(t *testing.T) {
	s := New(Strategy{})

	in := healthyInput(candidate("p1", "m1", 2))
	in.Factors = map[string]float64{"p1": 0.5}
	dec, err := s.Choose(in)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dec.Scores["p1"], 1e-9)
}

func TestMinScoreDrops(t *testing.T) {
	s := New(Strategy{Delta: 1, MinScore: 0.5})

	in := Input{
		Candidates: []logical.Candidate{candidate("p1", "m1", 1)},
		Health:     func(string) string { return core.HealthDown },
	}
	_, err := s.Choose(in)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestOrderedStartsWithSelected(t *testing.T) {
	s := New(Strategy{})
	s.randFn = func() float64 { return 0.99 } // force the lightest candidate

	dec, err := s.Choose(healthyInput(
		candidate("heavy", "m1", 10),
		candidate("light", "m2", 1),
	))
	require.NoError(t, err)
	require.Len(t, dec.Ordered, 2)
	assert.Equal(t, dec.Selected.Provider.ID, dec.Ordered[0].Provider.ID)

	// The remainder keeps descending score order.
	if dec.Selected.Provider.ID == "light" {
		assert.Equal(t, "heavy", dec.Ordered[1].Provider.ID)
	}
}

func TestStickinessWins(t *testing.T) {
	s := New(Strategy{EnableStickiness: true})

	in := healthyInput(
		candidate("heavy", "m1", 100),
		candidate("light", "m2", 1),
	)
	in.Session = &core.Session{ProviderID: "light", ModelID: "m2"}

	dec, err := s.Choose(in)
	require.NoError(t, err)
	assert.True(t, dec.Sticky)
	assert.Equal(t, "light", dec.Selected.Provider.ID)
}

func TestStickinessIgnoredWhenCandidateGone(t *testing.T) {
	s := New(Strategy{EnableStickiness: true})

	in := healthyInput(candidate("heavy", "m1", 10))
	in.Session = &core.Session{ProviderID: "vanished", ModelID: "m9"}

	dec, err := s.Choose(in)
	require.NoError(t, err)
	assert.False(t, dec.Sticky)
	assert.Equal(t, "heavy", dec.Selected.Provider.ID)
}

func TestStickinessDisabled(t *testing.T) {
	s := New(Strategy{EnableStickiness: false})

	in := healthyInput(candidate("only", "m1", 1))
	in.Session = &core.Session{ProviderID: "only", ModelID: "m1"}

	dec, err := s.Choose(in)
	require.NoError(t, err)
	assert.False(t, dec.Sticky)
}

func TestWeightedSelectionFavorsHighScore(t *testing.T) {
	s := New(Strategy{})

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		dec, err := s.Choose(healthyInput(
			candidate("strong", "m1", 9),
			candidate("weak", "m2", 1),
		))
		require.NoError(t, err)
		counts[dec.Selected.Provider.ID]++
	}
	assert.Greater(t, counts["strong"], counts["weak"])
	assert.Greater(t, counts["weak"], 0)
}

func TestUniformFallbackWhenAllScoresZero(t *testing.T) {
	s := New(Strategy{Delta: 1, MinScore: -10})

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		in := Input{
			Candidates: []logical.Candidate{
				candidate("a", "m1", 0.5),
				candidate("b", "m2", 0.5),
			},
			Health: func(string) string { return core.HealthDown },
		}
		dec, err := s.Choose(in)
		require.NoError(t, err)
		counts[dec.Selected.Provider.ID]++
	}
	assert.Greater(t, counts["a"], 0)
	assert.Greater(t, counts["b"], 0)
}
