package market

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mk1m(ts int64, o, h, l, c float64, v int64) Bar {
	return Bar{Symbol: "MES", Timeframe: "1m", Ts: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestAggregateCompleteChunksOnly(t *testing.T) {
	base := int64(1_700_000_100_000)
	base -= base % 300_000 // align to a 5m boundary

	var bars []Bar
	for i := 0; i < 7; i++ {
		ts := base + int64(i)*60_000
		bars = append(bars, mk1m(ts, 100+float64(i), 101+float64(i), 99+float64(i), 100.5+float64(i), 10))
	}

	out := Aggregate(bars, "5m", 5)
	require.Len(t, out, 1, "only the complete 5-bar chunk should be emitted")

	agg := out[0]
	require.Equal(t, "5m", agg.Timeframe)
	require.Equal(t, base, agg.Ts)
	require.Equal(t, 100.0, agg.Open)
	require.Equal(t, 105.0, agg.High)
	require.Equal(t, 99.0, agg.Low)
	require.Equal(t, 104.5, agg.Close)
	require.Equal(t, int64(50), agg.Volume)
}

func TestAggregateIdempotent(t *testing.T) {
	base := int64(1_700_003_400_000)
	base -= base % 300_000

	var bars []Bar
	for i := 0; i < 10; i++ {
		ts := base + int64(i)*60_000
		bars = append(bars, mk1m(ts, 50, 52, 49, 51, 5))
	}

	first := Aggregate(bars, "5m", 5)
	second := Aggregate(bars, "5m", 5)
	require.Equal(t, first, second)
	require.Len(t, first, 2)
}

func TestAggregateOrderInsensitive(t *testing.T) {
	base := int64(1_700_006_700_000)
	base -= base % 300_000

	var bars []Bar
	for i := 0; i < 5; i++ {
		ts := base + int64(i)*60_000
		bars = append(bars, mk1m(ts, 10+float64(i), 11+float64(i), 9+float64(i), 10.5+float64(i), 2))
	}
	reversed := make([]Bar, len(bars))
	for i := range bars {
		reversed[i] = bars[len(bars)-1-i]
	}

	require.Equal(t, Aggregate(bars, "5m", 5), Aggregate(reversed, "5m", 5))
}

func TestBarValidate(t *testing.T) {
	good := mk1m(0, 100, 101, 99, 100.5, 10)
	require.NoError(t, good.Validate())

	badHigh := mk1m(0, 100, 99.5, 99, 100.5, 10)
	require.Error(t, badHigh.Validate())

	badVol := mk1m(0, 100, 101, 99, 100.5, -1)
	require.Error(t, badVol.Validate())
}

func TestTimeframeMinutes(t *testing.T) {
	mins, err := TimeframeMinutes("5m")
	require.NoError(t, err)
	require.Equal(t, 5, mins)

	_, err = TimeframeMinutes("7m")
	require.Error(t, err)
}
