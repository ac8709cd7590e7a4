package facade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/data/warm"
	"github.com/fleetrun/fleetrun/internal/market"
)

type stubSource struct {
	bars []market.Bar
}

func (s *stubSource) Get(ctx context.Context, symbol string, opts warm.GetOpts) ([]market.Bar, error) {
	bars := s.bars
	if opts.MaxBars > 0 && len(bars) > opts.MaxBars {
		bars = bars[len(bars)-opts.MaxBars:]
	}
	return bars, nil
}

func (s *stubSource) PreWarm(ctx context.Context, symbols []string) {}
func (s *stubSource) TrimForMemoryPressure() map[string]int         { return nil }
func (s *stubSource) Stats() map[string]interface{}                 { return nil }

func alignedBars(n int) []market.Bar {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
	bars := make([]market.Bar, 0, n)
	for i := 0; i < n; i++ {
		px := 100.0 + float64(i)
		bars = append(bars, market.Bar{
			Symbol: "MES", Timeframe: "1m", Ts: start + int64(i)*60_000,
			Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 3,
		})
	}
	return bars
}

func TestGetBarsPassThrough(t *testing.T) {
	src := &stubSource{bars: alignedBars(30)}
	f := New(src)

	bars, err := f.GetBars(context.Background(), "MES", Opts{MaxBars: 10})
	require.NoError(t, err)
	require.Len(t, bars, 10)
}

func TestGetBarsWithTimeframeAggregates(t *testing.T) {
	src := &stubSource{bars: alignedBars(25)}
	f := New(src)

	bars, err := f.GetBarsWithTimeframe(context.Background(), "MES", "5m", Opts{})
	require.NoError(t, err)
	require.Len(t, bars, 5, "25 aligned 1m bars make exactly 5 complete 5m chunks")
	require.Equal(t, "5m", bars[0].Timeframe)
	require.Equal(t, int64(15), bars[0].Volume)
}

func TestGetBarsWithTimeframeMaxBars(t *testing.T) {
	src := &stubSource{bars: alignedBars(60)}
	f := New(src)

	bars, err := f.GetBarsWithTimeframe(context.Background(), "MES", "5m", Opts{MaxBars: 3})
	require.NoError(t, err)
	require.Len(t, bars, 3)
}

func TestUnknownTimeframeFailsClosed(t *testing.T) {
	f := New(&stubSource{})
	_, err := f.GetBarsWithTimeframe(context.Background(), "MES", "7m", Opts{})
	require.Error(t, err)
}
