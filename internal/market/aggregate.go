package market

import "sort"

// Aggregate reduces 1x-timeframe bars into multiplier-sized chunks:
// open=first, close=last, high=max, low=min, volume=sum. Only complete
// chunks are emitted, so aggregating the same input twice yields
// identical output. Input order does not matter; bars are bucketed by
// their aligned chunk start.
func Aggregate(bars []Bar, dstTf string, multiplier int) []Bar {
	if multiplier <= 1 || len(bars) == 0 {
		return nil
	}

	srcMins, err := TimeframeMinutes(bars[0].Timeframe)
	if err != nil {
		return nil
	}
	chunkMs := int64(srcMins) * int64(multiplier) * 60_000

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts < sorted[j].Ts })

	type chunk struct {
		bar   Bar
		count int
	}
	chunks := make(map[int64]*chunk)
	var starts []int64

	for _, b := range sorted {
		start := b.Ts - (b.Ts % chunkMs)
		c, ok := chunks[start]
		if !ok {
			chunks[start] = &chunk{
				bar: Bar{
					Symbol:    b.Symbol,
					Timeframe: dstTf,
					Ts:        start,
					Open:      b.Open,
					High:      b.High,
					Low:       b.Low,
					Close:     b.Close,
					Volume:    b.Volume,
				},
				count: 1,
			}
			starts = append(starts, start)
			continue
		}
		if b.High > c.bar.High {
			c.bar.High = b.High
		}
		if b.Low < c.bar.Low {
			c.bar.Low = b.Low
		}
		c.bar.Close = b.Close
		c.bar.Volume += b.Volume
		c.count++
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]Bar, 0, len(starts))
	for _, start := range starts {
		c := chunks[start]
		if c.count == multiplier {
			out = append(out, c.bar)
		}
	}
	return out
}
