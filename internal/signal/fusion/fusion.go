package fusion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Bias is one source's directional read of the market.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
	BiasRiskOn  Bias = "RISK_ON"
	BiasRiskOff Bias = "RISK_OFF"
)

// biasScore maps a bias onto the [-1, 1] axis used for aggregation.
func biasScore(b Bias) (float64, error) {
	switch b {
	case BiasBullish, BiasRiskOn:
		return 1, nil
	case BiasBearish, BiasRiskOff:
		return -1, nil
	case BiasNeutral:
		return 0, nil
	}
	return 0, fmt.Errorf("unknown bias %q", b)
}

// SourceSignal is one source's contribution to the fused view.
type SourceSignal struct {
	Source     string  `json:"source"`
	Bias       Bias    `json:"bias"`
	Confidence float64 `json:"confidence"` // 0..100
	Weight     float64 `json:"weight"`     // 0..1
	Skipped    bool    `json:"skipped"`
	SkipReason string  `json:"skipReason,omitempty"`
}

// Contribution records how one source entered the weighted consensus.
type Contribution struct {
	Source     string  `json:"source"`
	Bias       Bias    `json:"bias"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
	Score      float64 `json:"score"`
}

// Result is the fused consensus with full provenance.
type Result struct {
	Bias            Bias           `json:"bias"`
	NormalizedScore float64        `json:"normalizedScore"`
	SizeMultiplier  float64        `json:"sizeMultiplier"`
	TradingAllowed  bool           `json:"tradingAllowed"`
	Confidence      float64        `json:"confidence"`
	Reason          string         `json:"reason,omitempty"`
	PrimarySource   string         `json:"primarySource,omitempty"`
	Contributions   []Contribution `json:"contributions"`
	Skipped         []SourceSignal `json:"skipped,omitempty"`
	FusionHash      string         `json:"fusionHash"`
	FusedAt         time.Time      `json:"fusedAt"`
}

// Config holds fusion thresholds.
type Config struct {
	// BiasThreshold on the normalized score; above it BULLISH, below
	// the negative of it BEARISH.
	BiasThreshold float64
	// MacroSource names the source whose RISK_OFF zeroes tradingAllowed.
	MacroSource string
}

// DefaultConfig returns production fusion settings.
func DefaultConfig() Config {
	return Config{BiasThreshold: 0.2, MacroSource: "macro"}
}

// Fuser computes the weighted bias consensus.
type Fuser struct {
	config Config
}

// New creates a fuser.
func New(config Config) *Fuser {
	return &Fuser{config: config}
}

// Fuse aggregates the per-source signals into one directional consensus.
// Skipped sources are recorded but carry no weight. When every source is
// unavailable trading stays allowed with low confidence so a dead signal
// bus cannot strand an open position.
func (f *Fuser) Fuse(signals []SourceSignal, at time.Time) Result {
	res := Result{
		Bias:           BiasNeutral,
		TradingAllowed: true,
		FusedAt:        at,
	}

	var scoreSum, weightSum, confSum float64
	for _, sig := range signals {
		if sig.Skipped {
			res.Skipped = append(res.Skipped, sig)
			continue
		}
		score, err := biasScore(sig.Bias)
		if err != nil {
			log.Warn().Str("source", sig.Source).Str("bias", string(sig.Bias)).
				Msg("dropping signal with unknown bias")
			sig.Skipped = true
			sig.SkipReason = "unknown bias"
			res.Skipped = append(res.Skipped, sig)
			continue
		}

		contribution := score * sig.Weight * sig.Confidence / 100
		res.Contributions = append(res.Contributions, Contribution{
			Source:     sig.Source,
			Bias:       sig.Bias,
			Confidence: sig.Confidence,
			Weight:     sig.Weight,
			Score:      contribution,
		})
		scoreSum += contribution
		weightSum += sig.Weight
		confSum += sig.Confidence * sig.Weight

		if sig.Source == f.config.MacroSource && sig.Bias == BiasRiskOff {
			res.TradingAllowed = false
			res.Reason = "macro source is RISK_OFF"
		}
	}

	if len(res.Contributions) == 0 {
		res.Confidence = 10
		res.Reason = "all sources unavailable, defaulting to neutral with low confidence"
		res.FusionHash = f.hash(res)
		return res
	}

	res.NormalizedScore = scoreSum / weightSum
	res.Confidence = confSum / weightSum
	switch {
	case res.NormalizedScore >= f.config.BiasThreshold:
		res.Bias = BiasBullish
	case res.NormalizedScore <= -f.config.BiasThreshold:
		res.Bias = BiasBearish
	}

	// Size with conviction: neutral reads trade at half size.
	res.SizeMultiplier = 0.5 + 0.5*min(1, abs(res.NormalizedScore))
	if !res.TradingAllowed {
		res.SizeMultiplier = 0
	}

	sort.Slice(res.Contributions, func(i, j int) bool {
		if abs(res.Contributions[i].Score) != abs(res.Contributions[j].Score) {
			return abs(res.Contributions[i].Score) > abs(res.Contributions[j].Score)
		}
		return res.Contributions[i].Source < res.Contributions[j].Source
	})
	res.PrimarySource = res.Contributions[0].Source

	res.FusionHash = f.hash(res)
	return res
}

// hash derives a deterministic digest over the ordered contributions so
// two identical fusion inputs always share a hash.
func (f *Fuser) hash(res Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%.6f|%t", res.Bias, res.NormalizedScore, res.TradingAllowed)
	for _, c := range res.Contributions {
		fmt.Fprintf(&sb, "|%s:%s:%.4f:%.4f", c.Source, c.Bias, c.Weight, c.Confidence)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
