package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/signal/fusion"
	"github.com/fleetrun/fleetrun/internal/signal/governor"
	"github.com/fleetrun/fleetrun/internal/signal/weights"
)

// Inbound is one source's raw signal before weighting and governance.
type Inbound struct {
	Source     string      `json:"source"`
	Bias       fusion.Bias `json:"bias"`
	Confidence float64     `json:"confidence"` // 0..100
	Offline    bool        `json:"offline,omitempty"`
}

// View is the full fused decision with the weight set that produced it.
type View struct {
	Result  fusion.Result `json:"result"`
	Weights weights.Set   `json:"weights"`
	Enabled []string      `json:"enabledSources"`
}

// Service composes the fusion pipeline: adaptive weights in, governor
// filter, weighted consensus out.
type Service struct {
	fuser   *fusion.Fuser
	weights *weights.Engine
	gov     *governor.Governor
	clk     clock.Clock
}

// NewService wires the three signal stages together.
func NewService(fuser *fusion.Fuser, engine *weights.Engine, gov *governor.Governor, clk clock.Clock) *Service {
	return &Service{fuser: fuser, weights: engine, gov: gov, clk: clk}
}

// Fuse weighs and fuses one round of source signals for a bot. Sources
// the governor has disabled contribute nothing but stay visible in the
// result as skipped. Samples may be nil; the weight engine then falls
// back to an equal default split.
func (s *Service) Fuse(ctx context.Context, botID string, inbound []Inbound, samples []weights.BacktestSample) (View, error) {
	defaults := make(map[string]float64, len(inbound))
	healths := make([]governor.SourceHealth, 0, len(inbound))
	for _, in := range inbound {
		defaults[in.Source] = 1.0 / float64(len(inbound))
		healths = append(healths, governor.SourceHealth{Source: in.Source, Offline: in.Offline})
	}

	set := s.weights.WeightsFor(botID, samples, defaults)
	for i := range healths {
		healths[i].Weight = set.Weights[healths[i].Source]
	}
	for _, tr := range s.gov.Evaluate(ctx, botID, healths) {
		log.Info().Str("bot_id", botID).Str("source", tr.Source).
			Str("from", string(tr.From)).Str("to", string(tr.To)).
			Str("reason", tr.Reason).Msg("signal source transitioned")
	}

	signals := make([]fusion.SourceSignal, 0, len(inbound))
	for _, in := range inbound {
		sig := fusion.SourceSignal{
			Source:     in.Source,
			Bias:       in.Bias,
			Confidence: in.Confidence,
			Weight:     set.Weights[in.Source],
		}
		if in.Offline {
			sig.Skipped = true
			sig.SkipReason = "SOURCE_OFFLINE"
		} else if s.gov.StatusOf(botID, in.Source) == governor.StatusDisabled {
			sig.Skipped = true
			sig.SkipReason = "SOURCE_DISABLED"
		}
		signals = append(signals, sig)
	}

	return View{
		Result:  s.fuser.Fuse(signals, s.clk.Now()),
		Weights: set,
		Enabled: s.gov.EnabledSources(botID),
	}, nil
}
