package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/clock"
)

func newGovernor(clk clock.Clock) *Governor {
	return New(DefaultConfig(), nil, clk)
}

func healthy(source string) SourceHealth {
	return SourceHealth{Source: source, Weight: 0.3, Performance: 5, BacktestCount: 10}
}

func TestOfflineSourceDisabled(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	g := newGovernor(clk)

	trs := g.Evaluate(context.Background(), "b1", []SourceHealth{
		healthy("technical"), healthy("sentiment"),
		{Source: "macro", Offline: true, Weight: 0.3},
	})

	require.Len(t, trs, 1)
	require.Equal(t, "macro", trs[0].Source)
	require.Equal(t, StatusDisabled, trs[0].To)
	require.Equal(t, string(ReasonProviderOffline), trs[0].Reason)
	require.Equal(t, StatusDisabled, g.StatusOf("b1", "macro"))
}

func TestFloorWeightNeedsConsecutiveCycles(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	g := newGovernor(clk)
	ctx := context.Background()

	atFloor := SourceHealth{Source: "macro", Weight: 0.05, Performance: 1, BacktestCount: 10}
	base := []SourceHealth{healthy("technical"), healthy("sentiment"), atFloor}

	require.Empty(t, g.Evaluate(ctx, "b1", base))
	require.Empty(t, g.Evaluate(ctx, "b1", base))

	// A recovery resets the counter.
	recovered := []SourceHealth{healthy("technical"), healthy("sentiment"), healthy("macro")}
	require.Empty(t, g.Evaluate(ctx, "b1", recovered))
	require.Empty(t, g.Evaluate(ctx, "b1", base))
	require.Empty(t, g.Evaluate(ctx, "b1", base))

	trs := g.Evaluate(ctx, "b1", base)
	require.Len(t, trs, 1)
	require.Equal(t, string(ReasonWeightAtFloor), trs[0].Reason)
}

func TestPoorPerformanceNeedsEnoughBacktests(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	g := newGovernor(clk)
	ctx := context.Background()

	thin := SourceHealth{Source: "macro", Weight: 0.3, Performance: -50, BacktestCount: 4}
	trs := g.Evaluate(ctx, "b1", []SourceHealth{healthy("technical"), healthy("sentiment"), thin})
	require.Empty(t, trs, "4 backtests is below the evidence bar")

	thin.BacktestCount = 5
	trs = g.Evaluate(ctx, "b1", []SourceHealth{healthy("technical"), healthy("sentiment"), thin})
	require.Len(t, trs, 1)
	require.Equal(t, string(ReasonPoorPerformance), trs[0].Reason)
}

func TestGuardrailNeverDropsBelowMinimum(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	g := newGovernor(clk)
	ctx := context.Background()

	// Both sources offline; with MIN_ENABLED_SOURCES=2 neither may go.
	down := []SourceHealth{
		{Source: "technical", Offline: true},
		{Source: "sentiment", Offline: true},
	}
	require.Empty(t, g.Evaluate(ctx, "b1", down))
	require.Empty(t, g.Evaluate(ctx, "b1", down))
	require.Equal(t, StatusEnabled, g.StatusOf("b1", "technical"))
	require.Equal(t, StatusEnabled, g.StatusOf("b1", "sentiment"))

	// With a third healthy source one offline source may now drop, the
	// other stays protected.
	withThird := []SourceHealth{
		{Source: "technical", Offline: true},
		{Source: "sentiment", Offline: true},
		healthy("macro"),
	}
	trs := g.Evaluate(ctx, "b1", withThird)
	require.Len(t, trs, 1)
	require.Equal(t, []string{"macro", "technical"}, g.EnabledSources("b1"))
}

func TestCooldownMovesDisabledToProbation(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	g := newGovernor(clk)
	ctx := context.Background()

	health := []SourceHealth{
		healthy("technical"), healthy("sentiment"),
		{Source: "macro", Offline: true},
	}
	g.Evaluate(ctx, "b1", health)
	require.Equal(t, StatusDisabled, g.StatusOf("b1", "macro"))

	// Source back online but cooldown not yet over.
	health[2] = healthy("macro")
	require.Empty(t, g.Evaluate(ctx, "b1", health))

	clk.Advance(DefaultConfig().Cooldown + time.Minute)
	trs := g.Evaluate(ctx, "b1", health)
	require.Len(t, trs, 1)
	require.Equal(t, StatusProbation, trs[0].To)
}

func TestProbationOutcomes(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	run := func(perf float64) (g *Governor) {
		g = newGovernor(clk)
		health := []SourceHealth{
			healthy("technical"), healthy("sentiment"),
			{Source: "macro", Offline: true},
		}
		g.Evaluate(ctx, "b1", health)
		clk.Advance(DefaultConfig().Cooldown + time.Minute)
		health[2] = healthy("macro")
		g.Evaluate(ctx, "b1", health) // -> probation
		require.Equal(t, StatusProbation, g.StatusOf("b1", "macro"))

		// Mid-probation evaluations are a no-op.
		require.Empty(t, g.Evaluate(ctx, "b1", health))

		clk.Advance(DefaultConfig().ProbationDuration + time.Minute)
		health[2].Performance = perf
		g.Evaluate(ctx, "b1", health)
		return g
	}

	require.Equal(t, StatusEnabled, run(3).StatusOf("b1", "macro"))
	require.Equal(t, StatusDisabled, run(-3).StatusOf("b1", "macro"))
}

func TestBotsGovernedIndependently(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	g := newGovernor(clk)
	ctx := context.Background()

	g.Evaluate(ctx, "b1", []SourceHealth{
		healthy("technical"), healthy("sentiment"),
		{Source: "macro", Offline: true},
	})

	require.Equal(t, StatusDisabled, g.StatusOf("b1", "macro"))
	require.Equal(t, StatusEnabled, g.StatusOf("b2", "macro"))
}
