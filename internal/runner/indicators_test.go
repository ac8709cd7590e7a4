package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/market"
)

func mkBar(ts int64, o, h, l, c float64, v int64) market.Bar {
	return market.Bar{Symbol: "MES", Timeframe: "1m", Ts: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func flatBars(n int, price float64) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		bars[i] = mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100)
	}
	return bars
}

func TestWarmupThreshold(t *testing.T) {
	ind := NewIndicators()
	for i, bar := range flatBars(warmupBars, 100) {
		ind.Update(bar)
		require.Equal(t, i >= warmupBars-1, ind.Warm(), "bar %d", i)
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	ind := NewIndicators()
	for _, bar := range flatBars(60, 100) {
		ind.Update(bar)
	}
	require.InDelta(t, 100, ind.EMA9(), 1e-9)
	require.InDelta(t, 100, ind.EMA20(), 1e-9)
	require.InDelta(t, 100, ind.EMA21(), 1e-9)
	require.InDelta(t, 100, ind.SMA50(), 1e-9)
}

func TestVWAPWeighting(t *testing.T) {
	ind := NewIndicators()
	ind.Update(mkBar(0, 100, 101, 99, 100, 300))
	ind.Update(mkBar(60000, 104, 105, 103, 104, 100))
	// (100*300 + 104*100) / 400 = 101
	require.InDelta(t, 101, ind.VWAP(), 1e-9)
}

func TestRSIDirection(t *testing.T) {
	ind := NewIndicators()
	price := 100.0
	for i := 0; i < 30; i++ {
		price += 1
		ind.Update(mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100))
	}
	require.Equal(t, 100.0, ind.RSI(), "all gains drives RSI to 100")

	ind2 := NewIndicators()
	price = 100.0
	for i := 0; i < 30; i++ {
		price -= 1
		ind2.Update(mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100))
	}
	require.Less(t, ind2.RSI(), 10.0)
}

func TestATRTracksRange(t *testing.T) {
	ind := NewIndicators()
	for i := 0; i < 30; i++ {
		ind.Update(mkBar(int64(i)*60000, 100, 102, 98, 100, 100))
	}
	require.InDelta(t, 4, ind.ATR(), 1e-6)
}

func TestMomentumLag(t *testing.T) {
	ind := NewIndicators()
	for i := 0; i < 20; i++ {
		price := 100 + float64(i)
		ind.Update(mkBar(int64(i)*60000, price, price+0.5, price-0.5, price, 100))
	}
	// close[19] - close[9] = 119 - 109
	require.InDelta(t, 10, ind.Momentum(), 1e-9)
}

func TestSessionExtremesAndReset(t *testing.T) {
	ind := NewIndicators()
	ind.Update(mkBar(0, 100, 105, 95, 100, 100))
	ind.Update(mkBar(60000, 100, 110, 99, 108, 100))

	require.Equal(t, 110.0, ind.SessionHigh())
	require.Equal(t, 95.0, ind.SessionLow())
	require.Equal(t, 105.0, ind.PriorSessionHigh(), "prior excludes the latest bar")

	ind.ResetSession()
	ind.Update(mkBar(120000, 100, 101, 99, 100, 100))
	require.Equal(t, 101.0, ind.SessionHigh())
	require.Equal(t, 99.0, ind.SessionLow())
}

func TestBufferCaps(t *testing.T) {
	ind := NewIndicators()
	for _, bar := range flatBars(150, 100) {
		ind.Update(bar)
	}
	require.Len(t, ind.closes, maxBufferBars)
	require.Len(t, ind.volumes, historyWindow)
}
