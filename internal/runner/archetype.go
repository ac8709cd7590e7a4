package runner

import (
	"fmt"
	"math"
	"strings"
)

// Archetype is a named strategy pattern resolving to one entry
// condition. The set is closed; an unknown archetype fails startup
// rather than falling back to a default at runtime.
type Archetype string

const (
	MeanReversion     Archetype = "MEAN_REVERSION"
	TrendContinuation Archetype = "TREND_CONTINUATION"
	VWAPTouch         Archetype = "VWAP_TOUCH"
	MomentumSurge     Archetype = "MOMENTUM_SURGE"
	Breakout          Archetype = "BREAKOUT"
)

// ParseArchetype resolves a config string to an archetype, fail-closed
// on anything outside the known set.
func ParseArchetype(s string) (Archetype, error) {
	switch Archetype(strings.ToUpper(strings.TrimSpace(s))) {
	case MeanReversion:
		return MeanReversion, nil
	case TrendContinuation:
		return TrendContinuation, nil
	case VWAPTouch:
		return VWAPTouch, nil
	case MomentumSurge:
		return MomentumSurge, nil
	case Breakout:
		return Breakout, nil
	}
	return "", fmt.Errorf("unknown archetype %q", s)
}

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// EntrySignal is a matched entry condition.
type EntrySignal struct {
	Side   Side
	Reason string
}

// EvaluateEntry applies the archetype's entry condition to the current
// indicator state. Returns nil when no condition matches. ATR must be
// seeded; a zero ATR yields no signal so division stays defined.
func EvaluateEntry(arch Archetype, ind *Indicators, th Thresholds) *EntrySignal {
	atr := ind.ATR()
	if atr <= 0 {
		return nil
	}
	close := ind.LastClose()
	vwap := ind.VWAP()
	rsi := ind.RSI()
	momentum := ind.Momentum()

	switch arch {
	case MeanReversion:
		dev := math.Abs(close-vwap) / atr
		if rsi < th.RSIOversold && dev > th.Deviation && close < vwap {
			return &EntrySignal{Side: SideBuy, Reason: fmt.Sprintf("RSI %.1f oversold, %.2f ATRs under VWAP", rsi, dev)}
		}
		if rsi > th.RSIOverbought && dev > th.Deviation && close > vwap {
			return &EntrySignal{Side: SideSell, Reason: fmt.Sprintf("RSI %.1f overbought, %.2f ATRs over VWAP", rsi, dev)}
		}

	case TrendContinuation:
		trigger := atr * th.MomentumMult * 0.1
		if ind.EMA9() > ind.EMA21() && momentum > trigger {
			return &EntrySignal{Side: SideBuy, Reason: "EMA9 above EMA21 with momentum"}
		}
		if ind.EMA9() < ind.EMA21() && momentum < -trigger {
			return &EntrySignal{Side: SideSell, Reason: "EMA9 below EMA21 with momentum"}
		}

	case VWAPTouch:
		dist := math.Abs(close-vwap) / atr
		if dist < th.VWAPDistance && close > vwap {
			return &EntrySignal{Side: SideBuy, Reason: fmt.Sprintf("holding %.2f ATRs above VWAP", dist)}
		}
		if dist < th.VWAPDistance && close < vwap {
			return &EntrySignal{Side: SideSell, Reason: fmt.Sprintf("holding %.2f ATRs below VWAP", dist)}
		}

	case MomentumSurge:
		trigger := atr * th.MomentumMult
		if momentum > trigger {
			return &EntrySignal{Side: SideBuy, Reason: "momentum surge up"}
		}
		if momentum < -trigger {
			return &EntrySignal{Side: SideSell, Reason: "momentum surge down"}
		}

	case Breakout:
		trigger := atr * th.MomentumMult * 0.5
		if close > ind.PriorSessionHigh() && momentum > trigger {
			return &EntrySignal{Side: SideBuy, Reason: "breakout over session high"}
		}
		if close < ind.PriorSessionLow() && momentum < -trigger {
			return &EntrySignal{Side: SideSell, Reason: "breakdown under session low"}
		}
	}
	return nil
}
