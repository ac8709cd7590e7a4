package runner

import (
	"crypto/sha256"
	"encoding/binary"
)

// BaseThresholds are the strategy parameters before per-bot variation.
type BaseThresholds struct {
	RSIOversold    float64 // default 30
	RSIOverbought  float64 // default 70
	Deviation      float64 // VWAP deviation in ATRs, default 1.5
	MomentumMult   float64 // momentum multiplier on ATR, default 1.0
	VWAPDistance   float64 // max VWAP distance in ATRs, default 0.3
	StopTicks      int     // default 20
	TargetTicks    int     // default 40
	TimeStopMin    int     // hard time stop, default 60
	FlattenMinutes int     // auto-flatten lookahead, default 10
}

// DefaultBaseThresholds returns the stock strategy parameters.
func DefaultBaseThresholds() BaseThresholds {
	return BaseThresholds{
		RSIOversold:    30,
		RSIOverbought:  70,
		Deviation:      1.5,
		MomentumMult:   1.0,
		VWAPDistance:   0.3,
		StopTicks:      20,
		TargetTicks:    40,
		TimeStopMin:    60,
		FlattenMinutes: 10,
	}
}

// Thresholds are the bot-specific parameters used by entry evaluation.
type Thresholds struct {
	RSIOversold   float64
	RSIOverbought float64
	Deviation     float64
	MomentumMult  float64
	VWAPDistance  float64
	StopTicks     int
	TargetTicks   int
	TimeStopMin   int
}

// DeriveThresholds maps (botID, base) to deterministic per-bot
// thresholds. Two bots with identical configs still get distinguishable
// signals: each parameter is nudged inside clamped bounds by bytes of
// SHA-256(botID). Pure so any harness can reproduce the runner's view.
func DeriveThresholds(botID string, base BaseThresholds) Thresholds {
	digest := sha256.Sum256([]byte(botID))

	// unit maps 8 digest bytes onto [0, 1).
	unit := func(offset int) float64 {
		v := binary.BigEndian.Uint64(digest[offset : offset+8])
		return float64(v) / float64(^uint64(0))
	}
	// vary scales value by a factor in [1-spread, 1+spread].
	vary := func(value float64, offset int, spread float64) float64 {
		return value * (1 - spread + 2*spread*unit(offset))
	}

	th := Thresholds{
		RSIOversold:   clamp(vary(base.RSIOversold, 0, 0.15), 20, 40),
		RSIOverbought: clamp(vary(base.RSIOverbought, 8, 0.15), 60, 80),
		Deviation:     clamp(vary(base.Deviation, 16, 0.25), 0.5, 3.0),
		MomentumMult:  clamp(vary(base.MomentumMult, 24, 0.25), 0.5, 2.0),
		VWAPDistance:  clamp(vary(base.VWAPDistance, 12, 0.30), 0.1, 1.0),
		StopTicks:     base.StopTicks,
		TargetTicks:   base.TargetTicks,
		TimeStopMin:   base.TimeStopMin,
	}
	return th
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
