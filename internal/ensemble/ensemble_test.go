package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/clock"
)

type fakeProvider struct {
	name       string
	weight     float64
	decision   Decision
	confidence float64
	err        error
	block      bool
}

func (f *fakeProvider) Name() string        { return f.name }
func (f *fakeProvider) BaseWeight() float64 { return f.weight }

func (f *fakeProvider) Vote(ctx context.Context, _ Request) (Decision, float64, string, error) {
	if f.block {
		<-ctx.Done()
		return DecisionAbstain, 0, "", ctx.Err()
	}
	if f.err != nil {
		return DecisionAbstain, 0, "", f.err
	}
	return f.decision, f.confidence, "because", nil
}

func vote(name string, d Decision, conf float64) *fakeProvider {
	return &fakeProvider{name: name, weight: 1, decision: d, confidence: conf}
}

func newEngine(providers ...Provider) *Engine {
	cfg := DefaultConfig()
	cfg.ProviderTimeout = 50 * time.Millisecond
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return NewEngine(cfg, providers, NewAccuracyTracker(), clk)
}

func conflictTypes(c *Consensus) []ConflictType {
	var out []ConflictType
	for _, cf := range c.Conflicts {
		out = append(out, cf.Type)
	}
	return out
}

func TestSupermajorityFailureForcesHold(t *testing.T) {
	e := newEngine(
		vote("a", DecisionBuy, 0.7),
		vote("b", DecisionBuy, 0.7),
		vote("c", DecisionSell, 0.7),
	)

	cons := e.Decide(context.Background(), Request{
		Symbol: "MES", Category: CategoryEntry, SupermajorityRequired: true,
	})

	require.InDelta(t, 2.0/3.0, cons.AgreementStrength, 1e-9)
	require.Contains(t, conflictTypes(cons), ConflictSupermajorityFailed)
	require.Equal(t, DecisionHold, cons.Decision)
	require.False(t, cons.ShouldExecute)
}

func TestUnanimousVoteExecutes(t *testing.T) {
	e := newEngine(
		vote("a", DecisionBuy, 0.9),
		vote("b", DecisionBuy, 0.8),
		vote("c", DecisionBuy, 0.85),
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryEntry})

	require.Equal(t, DecisionBuy, cons.Decision)
	require.InDelta(t, 1.0, cons.AgreementStrength, 1e-9)
	require.Empty(t, cons.Conflicts)
	require.True(t, cons.ShouldExecute)
}

func TestSplitDecisionBlocksHighStakes(t *testing.T) {
	e := newEngine(
		vote("a", DecisionBuy, 0.8),
		vote("b", DecisionSell, 0.8),
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryEntry})

	require.Contains(t, conflictTypes(cons), ConflictSplitDecision)
	require.False(t, cons.ShouldExecute)
	// Equal weight tie resolves deterministically.
	require.Equal(t, DecisionBuy, cons.Decision)
}

func TestSplitDecisionDoesNotBlockAdvisory(t *testing.T) {
	e := newEngine(
		vote("a", DecisionBuy, 0.8),
		vote("b", DecisionSell, 0.8),
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryAdvisory})
	require.True(t, cons.ShouldExecute)
}

func TestLowConfidenceConflict(t *testing.T) {
	e := newEngine(
		vote("a", DecisionBuy, 0.3),
		vote("b", DecisionBuy, 0.4),
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryAdvisory})

	require.Contains(t, conflictTypes(cons), ConflictLowConfidence)
	require.InDelta(t, 0.35, cons.AvgConfidence, 1e-9)
}

func TestProviderErrorsDegradeToAbstain(t *testing.T) {
	e := newEngine(
		vote("a", DecisionSell, 0.8),
		&fakeProvider{name: "b", weight: 1, err: errors.New("upstream 500")},
		&fakeProvider{name: "c", weight: 1, err: errors.New("upstream 500")},
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryAdvisory})

	require.Equal(t, DecisionSell, cons.Decision)
	require.Contains(t, conflictTypes(cons), ConflictTimeoutDegraded)
	abstains := 0
	for _, v := range cons.Votes {
		if v.Decision == DecisionAbstain {
			abstains++
			require.NotEmpty(t, v.Err)
		}
	}
	require.Equal(t, 2, abstains)
}

func TestProviderTimeoutIsPerProvider(t *testing.T) {
	e := newEngine(
		vote("fast", DecisionBuy, 0.9),
		&fakeProvider{name: "slow", weight: 1, block: true},
	)

	started := time.Now()
	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryAdvisory})
	require.Less(t, time.Since(started), time.Second)

	require.Equal(t, DecisionBuy, cons.Decision)
	require.Contains(t, conflictTypes(cons), ConflictTimeoutDegraded)
}

func TestAllAbstainForcesHold(t *testing.T) {
	e := newEngine(
		&fakeProvider{name: "a", weight: 1, err: errors.New("down")},
		&fakeProvider{name: "b", weight: 1, err: errors.New("down")},
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryEntry})
	require.Equal(t, DecisionHold, cons.Decision)
	require.False(t, cons.ShouldExecute)
}

func TestUnknownDecisionDowngraded(t *testing.T) {
	e := newEngine(
		vote("a", DecisionBuy, 0.9),
		vote("b", Decision("MAYBE"), 0.9),
	)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryAdvisory})
	require.Equal(t, DecisionBuy, cons.Decision)
	for _, v := range cons.Votes {
		if v.Provider == "b" {
			require.Equal(t, DecisionAbstain, v.Decision)
		}
	}
}

func TestAccuracyShiftsWeights(t *testing.T) {
	tracker := NewAccuracyTracker()
	for i := 0; i < 50; i++ {
		tracker.Record("sharp", true)
		tracker.Record("dull", false)
	}

	cfg := DefaultConfig()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	e := NewEngine(cfg, []Provider{
		vote("sharp", DecisionBuy, 0.7),
		vote("dull", DecisionSell, 0.7),
	}, tracker, clk)

	cons := e.Decide(context.Background(), Request{Symbol: "MES", Category: CategoryAdvisory})

	require.Equal(t, DecisionBuy, cons.Decision)
	require.Greater(t, cons.AgreementStrength, 0.6)
}

func TestAccuracyDecayMath(t *testing.T) {
	tracker := NewAccuracyTracker()
	require.Equal(t, 0.5, tracker.Accuracy("p"))
	require.Equal(t, 1.0, tracker.Multiplier("p"))

	tracker.Record("p", true)
	require.InDelta(t, 0.525, tracker.Accuracy("p"), 1e-9)

	tracker.Record("p", false)
	require.InDelta(t, 0.525*0.95, tracker.Accuracy("p"), 1e-9)
}
