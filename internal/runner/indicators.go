package runner

import (
	"math"

	"github.com/fleetrun/fleetrun/internal/market"
)

const (
	warmupBars    = 21
	maxBufferBars = 100
	smaWindow     = 50
	rsiPeriod     = 14
	atrPeriod     = 14
	momentumLag   = 10
	historyWindow = 20
)

// ema is an incremental exponential moving average.
type ema struct {
	period int
	value  float64
	seeded bool
}

func (e *ema) update(price float64) float64 {
	if !e.seeded {
		e.value = price
		e.seeded = true
		return e.value
	}
	k := 2.0 / float64(e.period+1)
	e.value = price*k + e.value*(1-k)
	return e.value
}

// Indicators holds the per-bot technical state, updated once per bar.
type Indicators struct {
	ema9  ema
	ema20 ema
	ema21 ema

	closes  []float64
	volumes []int64

	// Wilder RSI state.
	avgGain   float64
	avgLoss   float64
	rsiSeeded bool
	prevClose float64
	hasPrev   bool

	// Wilder ATR state.
	atrValue  float64
	atrSeeded bool
	trCount   int
	trSum     float64
	prevBar   market.Bar

	vwapPV  float64
	vwapVol float64

	sessionHigh float64
	sessionLow  float64
	// Session extremes before the current bar, so breakout checks
	// compare against prior price action rather than the bar itself.
	priorHigh float64
	priorLow  float64
	barCount  int
}

// NewIndicators creates an empty indicator set.
func NewIndicators() *Indicators {
	return &Indicators{
		ema9:        ema{period: 9},
		ema20:       ema{period: 20},
		ema21:       ema{period: 21},
		sessionHigh: math.Inf(-1),
		sessionLow:  math.Inf(1),
		priorHigh:   math.Inf(-1),
		priorLow:    math.Inf(1),
	}
}

// Update folds one bar into every indicator. Bars must arrive in
// timestamp order.
func (ind *Indicators) Update(bar market.Bar) {
	ind.barCount++
	close := bar.Close

	ind.ema9.update(close)
	ind.ema20.update(close)
	ind.ema21.update(close)

	ind.closes = append(ind.closes, close)
	if len(ind.closes) > maxBufferBars {
		ind.closes = ind.closes[1:]
	}
	ind.volumes = append(ind.volumes, bar.Volume)
	if len(ind.volumes) > historyWindow {
		ind.volumes = ind.volumes[1:]
	}

	ind.updateRSI(close)
	ind.updateATR(bar)

	ind.vwapPV += close * float64(bar.Volume)
	ind.vwapVol += float64(bar.Volume)

	ind.priorHigh = ind.sessionHigh
	ind.priorLow = ind.sessionLow
	if bar.High > ind.sessionHigh {
		ind.sessionHigh = bar.High
	}
	if bar.Low < ind.sessionLow {
		ind.sessionLow = bar.Low
	}
}

func (ind *Indicators) updateRSI(close float64) {
	if !ind.hasPrev {
		ind.prevClose = close
		ind.hasPrev = true
		return
	}
	change := close - ind.prevClose
	ind.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !ind.rsiSeeded {
		// Simple average over the first period, Wilder smoothing after.
		n := float64(ind.barCount - 1)
		ind.avgGain = (ind.avgGain*(n-1) + gain) / n
		ind.avgLoss = (ind.avgLoss*(n-1) + loss) / n
		if ind.barCount-1 >= rsiPeriod {
			ind.rsiSeeded = true
		}
		return
	}
	ind.avgGain = (ind.avgGain*(rsiPeriod-1) + gain) / rsiPeriod
	ind.avgLoss = (ind.avgLoss*(rsiPeriod-1) + loss) / rsiPeriod
}

func (ind *Indicators) updateATR(bar market.Bar) {
	tr := bar.High - bar.Low
	if ind.trCount > 0 || ind.atrSeeded {
		prevClose := ind.prevBar.Close
		tr = math.Max(tr, math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
	}
	ind.prevBar = bar

	if !ind.atrSeeded {
		ind.trCount++
		ind.trSum += tr
		if ind.trCount >= atrPeriod {
			ind.atrValue = ind.trSum / float64(atrPeriod)
			ind.atrSeeded = true
		}
		return
	}
	ind.atrValue = (ind.atrValue*(atrPeriod-1) + tr) / atrPeriod
}

// Warm reports whether enough bars have been seen to trade on.
func (ind *Indicators) Warm() bool {
	return ind.barCount >= warmupBars
}

// EMA9 returns the 9-period EMA.
func (ind *Indicators) EMA9() float64 { return ind.ema9.value }

// EMA20 returns the 20-period EMA.
func (ind *Indicators) EMA20() float64 { return ind.ema20.value }

// EMA21 returns the 21-period EMA.
func (ind *Indicators) EMA21() float64 { return ind.ema21.value }

// SMA50 returns the 50-bar simple moving average over the retained
// closes, or the average of what exists when fewer are buffered.
func (ind *Indicators) SMA50() float64 {
	n := len(ind.closes)
	if n == 0 {
		return 0
	}
	window := smaWindow
	if n < window {
		window = n
	}
	var sum float64
	for _, c := range ind.closes[n-window:] {
		sum += c
	}
	return sum / float64(window)
}

// VWAP returns the session volume-weighted average price.
func (ind *Indicators) VWAP() float64 {
	if ind.vwapVol == 0 {
		return 0
	}
	return ind.vwapPV / ind.vwapVol
}

// RSI returns the Wilder-smoothed 14-period RSI, 50 until seeded.
func (ind *Indicators) RSI() float64 {
	if !ind.rsiSeeded {
		return 50
	}
	if ind.avgLoss == 0 {
		return 100
	}
	rs := ind.avgGain / ind.avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the Wilder-smoothed 14-period average true range.
func (ind *Indicators) ATR() float64 { return ind.atrValue }

// Momentum returns close − close[t−10], zero until enough history.
func (ind *Indicators) Momentum() float64 {
	n := len(ind.closes)
	if n <= momentumLag {
		return 0
	}
	return ind.closes[n-1] - ind.closes[n-1-momentumLag]
}

// SessionHigh returns the highest high seen this session.
func (ind *Indicators) SessionHigh() float64 { return ind.sessionHigh }

// SessionLow returns the lowest low seen this session.
func (ind *Indicators) SessionLow() float64 { return ind.sessionLow }

// PriorSessionHigh returns the session high before the current bar.
func (ind *Indicators) PriorSessionHigh() float64 { return ind.priorHigh }

// PriorSessionLow returns the session low before the current bar.
func (ind *Indicators) PriorSessionLow() float64 { return ind.priorLow }

// LastClose returns the most recent close, zero before any bar.
func (ind *Indicators) LastClose() float64 {
	if len(ind.closes) == 0 {
		return 0
	}
	return ind.closes[len(ind.closes)-1]
}

// ResetSession clears the session-scoped aggregates (VWAP, high/low)
// at a session boundary while keeping the longer-horizon state.
func (ind *Indicators) ResetSession() {
	ind.vwapPV = 0
	ind.vwapVol = 0
	ind.sessionHigh = math.Inf(-1)
	ind.sessionLow = math.Inf(1)
	ind.priorHigh = math.Inf(-1)
	ind.priorLow = math.Inf(1)
}
