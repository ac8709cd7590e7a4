package facade

import (
	"context"
	"fmt"

	"github.com/fleetrun/fleetrun/internal/data/warm"
	"github.com/fleetrun/fleetrun/internal/market"
)

// BarSource is the warm-tier contract the facade orchestrates. The warm
// cache already falls through to the cold store and remote hydrator.
type BarSource interface {
	Get(ctx context.Context, symbol string, opts warm.GetOpts) ([]market.Bar, error)
	PreWarm(ctx context.Context, symbols []string)
	TrimForMemoryPressure() map[string]int
	Stats() map[string]interface{}
}

// Opts tunes a facade read.
type Opts struct {
	MaxBars     int
	RefreshDays int
}

// Facade is the single entry point for bar reads. Base storage is 1m;
// higher timeframes are aggregated in memory with the same reduction the
// cold store uses.
type Facade struct {
	source BarSource
}

// New creates a facade over the warm tier.
func New(source BarSource) *Facade {
	return &Facade{source: source}
}

// GetBars returns 1m bars for symbol.
func (f *Facade) GetBars(ctx context.Context, symbol string, opts Opts) ([]market.Bar, error) {
	return f.source.Get(ctx, symbol, warm.GetOpts{
		MaxBars:     opts.MaxBars,
		RefreshDays: opts.RefreshDays,
	})
}

// GetBarsWithTimeframe returns bars at tf. For tf above 1m it fetches 1m
// bars and aggregates; incomplete trailing chunks are not emitted.
func (f *Facade) GetBarsWithTimeframe(ctx context.Context, symbol, tf string, opts Opts) ([]market.Bar, error) {
	mins, err := market.TimeframeMinutes(tf)
	if err != nil {
		return nil, err
	}
	if mins == 1 {
		return f.GetBars(ctx, symbol, opts)
	}

	// Over-fetch 1m bars so the aggregated slice still satisfies MaxBars.
	baseOpts := warm.GetOpts{RefreshDays: opts.RefreshDays}
	if opts.MaxBars > 0 {
		baseOpts.MaxBars = opts.MaxBars * mins
	}
	base, err := f.source.Get(ctx, symbol, baseOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load 1m bars for %s: %w", symbol, err)
	}

	agg := market.Aggregate(base, tf, mins)
	if opts.MaxBars > 0 && len(agg) > opts.MaxBars {
		agg = agg[len(agg)-opts.MaxBars:]
	}
	return agg, nil
}

// PreWarm delegates to the warm tier.
func (f *Facade) PreWarm(ctx context.Context, symbols []string) {
	f.source.PreWarm(ctx, symbols)
}

// TrimForMemoryPressure delegates to the warm tier.
func (f *Facade) TrimForMemoryPressure() map[string]int {
	return f.source.TrimForMemoryPressure()
}

// Stats reports warm-tier occupancy.
func (f *Facade) Stats() map[string]interface{} {
	return f.source.Stats()
}
