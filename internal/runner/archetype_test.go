package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArchetype(t *testing.T) {
	arch, err := ParseArchetype("mean_reversion")
	require.NoError(t, err)
	require.Equal(t, MeanReversion, arch)

	arch, err = ParseArchetype(" BREAKOUT ")
	require.NoError(t, err)
	require.Equal(t, Breakout, arch)

	_, err = ParseArchetype("scalper_3000")
	require.Error(t, err, "unknown archetypes fail closed")
}

// surge feeds n flat bars then ramp rising bars so momentum exceeds any
// clamped multiplier.
func surge(up bool) *Indicators {
	ind := NewIndicators()
	price := 100.0
	for i := 0; i < 25; i++ {
		ind.Update(mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100))
	}
	for i := 25; i < 40; i++ {
		if up {
			price += 2
		} else {
			price -= 2
		}
		ind.Update(mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100))
	}
	return ind
}

func TestMomentumSurgeEntry(t *testing.T) {
	th := DeriveThresholds("bot-1", DefaultBaseThresholds())

	long := EvaluateEntry(MomentumSurge, surge(true), th)
	require.NotNil(t, long)
	require.Equal(t, SideBuy, long.Side)

	short := EvaluateEntry(MomentumSurge, surge(false), th)
	require.NotNil(t, short)
	require.Equal(t, SideSell, short.Side)
}

func TestTrendContinuationEntry(t *testing.T) {
	th := DeriveThresholds("bot-1", DefaultBaseThresholds())

	sig := EvaluateEntry(TrendContinuation, surge(true), th)
	require.NotNil(t, sig)
	require.Equal(t, SideBuy, sig.Side, "rising EMAs with momentum go long")
}

func TestBreakoutEntry(t *testing.T) {
	th := DeriveThresholds("bot-1", DefaultBaseThresholds())

	sig := EvaluateEntry(Breakout, surge(true), th)
	require.NotNil(t, sig)
	require.Equal(t, SideBuy, sig.Side, "close above prior session high")
}

func TestNoSignalOnFlatMarket(t *testing.T) {
	th := DeriveThresholds("bot-1", DefaultBaseThresholds())
	ind := NewIndicators()
	for _, bar := range flatBars(40, 100) {
		ind.Update(bar)
	}

	for _, arch := range []Archetype{MeanReversion, TrendContinuation, MomentumSurge, Breakout} {
		require.Nil(t, EvaluateEntry(arch, ind, th), string(arch))
	}
}

func TestVWAPTouchEntry(t *testing.T) {
	th := DeriveThresholds("bot-1", DefaultBaseThresholds())
	ind := NewIndicators()
	// Closes hugging just above a flat VWAP.
	for i := 0; i < 30; i++ {
		price := 100.0
		if i >= 28 {
			price = 100.02
		}
		ind.Update(mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100))
	}

	sig := EvaluateEntry(VWAPTouch, ind, th)
	require.NotNil(t, sig)
	require.Equal(t, SideBuy, sig.Side)
}

func TestZeroATRYieldsNoSignal(t *testing.T) {
	th := DeriveThresholds("bot-1", DefaultBaseThresholds())
	ind := NewIndicators()
	require.Nil(t, EvaluateEntry(MomentumSurge, ind, th))
}
