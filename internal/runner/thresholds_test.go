package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThresholdsDeterministic(t *testing.T) {
	base := DefaultBaseThresholds()
	a := DeriveThresholds("bot-1", base)
	b := DeriveThresholds("bot-1", base)
	require.Equal(t, a, b)
}

func TestThresholdsDistinguishBots(t *testing.T) {
	base := DefaultBaseThresholds()
	a := DeriveThresholds("bot-1", base)
	b := DeriveThresholds("bot-2", base)
	require.NotEqual(t, a, b, "identical configs must still yield distinguishable signals")
}

func TestThresholdsClamped(t *testing.T) {
	base := DefaultBaseThresholds()
	for _, botID := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		th := DeriveThresholds(botID, base)
		require.GreaterOrEqual(t, th.RSIOversold, 20.0)
		require.LessOrEqual(t, th.RSIOversold, 40.0)
		require.GreaterOrEqual(t, th.RSIOverbought, 60.0)
		require.LessOrEqual(t, th.RSIOverbought, 80.0)
		require.GreaterOrEqual(t, th.Deviation, 0.5)
		require.LessOrEqual(t, th.Deviation, 3.0)
		require.GreaterOrEqual(t, th.MomentumMult, 0.5)
		require.LessOrEqual(t, th.MomentumMult, 2.0)
		require.GreaterOrEqual(t, th.VWAPDistance, 0.1)
		require.LessOrEqual(t, th.VWAPDistance, 1.0)
	}
}
