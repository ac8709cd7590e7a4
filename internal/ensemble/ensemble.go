package ensemble

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
)

// Decision is a provider's (or the consensus') directional call.
type Decision string

const (
	DecisionBuy     Decision = "BUY"
	DecisionSell    Decision = "SELL"
	DecisionHold    Decision = "HOLD"
	DecisionAbstain Decision = "ABSTAIN"
)

// Category classifies what the vote gates. ENTRY and EXIT are
// high-stakes: they move positions.
type Category string

const (
	CategoryEntry    Category = "ENTRY"
	CategoryExit     Category = "EXIT"
	CategoryAdvisory Category = "ADVISORY"
)

func (c Category) highStakes() bool {
	return c == CategoryEntry || c == CategoryExit
}

// ConflictType names a detected disagreement pattern.
type ConflictType string

const (
	ConflictSplitDecision       ConflictType = "SPLIT_DECISION"
	ConflictLowConfidence       ConflictType = "LOW_CONFIDENCE"
	ConflictTimeoutDegraded     ConflictType = "TIMEOUT_DEGRADED"
	ConflictSupermajorityFailed ConflictType = "SUPERMAJORITY_FAILED"
)

// Conflict severity levels. HIGH blocks high-stakes execution.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
)

// Conflict is one detected disagreement.
type Conflict struct {
	Type     ConflictType `json:"type"`
	Severity string       `json:"severity"`
	Detail   string       `json:"detail"`
}

// Vote is one provider's answer, or the record of its failure.
type Vote struct {
	Provider   string        `json:"provider"`
	Decision   Decision      `json:"decision"`
	Confidence float64       `json:"confidence"` // 0..1
	Reasoning  string        `json:"reasoning,omitempty"`
	Weight     float64       `json:"weight"`
	Latency    time.Duration `json:"latencyMs"`
	Err        string        `json:"error,omitempty"`
}

// Request describes what the providers are asked to judge.
type Request struct {
	Symbol                string                 `json:"symbol"`
	Category              Category               `json:"category"`
	Context               map[string]interface{} `json:"context,omitempty"`
	SupermajorityRequired bool                   `json:"supermajorityRequired"`
}

// Consensus is the weighted outcome of one ensemble round.
type Consensus struct {
	Decision          Decision             `json:"decision"`
	AgreementStrength float64              `json:"agreementStrength"`
	AvgConfidence     float64              `json:"avgConfidence"`
	ShouldExecute     bool                 `json:"shouldExecute"`
	Conflicts         []Conflict           `json:"conflicts"`
	Votes             []Vote               `json:"votes"`
	WeightByDecision  map[Decision]float64 `json:"weightByDecision"`
	DecidedAt         time.Time            `json:"decidedAt"`
}

// Provider answers vote requests. Implementations must honor ctx.
type Provider interface {
	Name() string
	BaseWeight() float64
	Vote(ctx context.Context, req Request) (Decision, float64, string, error)
}

// Config tunes the voting engine.
type Config struct {
	ProviderTimeout        time.Duration
	SplitMargin            float64 // top-vs-runner-up share gap below which the round is split
	LowConfidenceAvg       float64
	SupermajorityThreshold float64
	HighStakesStrength     float64
}

// DefaultConfig mirrors production voting behavior.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout:        10 * time.Second,
		SplitMargin:            0.10,
		LowConfidenceAvg:       0.5,
		SupermajorityThreshold: 0.67,
		HighStakesStrength:     0.6,
	}
}

// Engine fans a request out to all providers and tallies the weighted
// result.
type Engine struct {
	cfg       Config
	providers []Provider
	accuracy  *AccuracyTracker
	clk       clock.Clock
}

// NewEngine creates a voting engine over the given providers.
func NewEngine(cfg Config, providers []Provider, accuracy *AccuracyTracker, clk clock.Clock) *Engine {
	return &Engine{cfg: cfg, providers: providers, accuracy: accuracy, clk: clk}
}

// Decide queries every provider in parallel, each under its own
// timeout, and folds the answers into a consensus. Provider errors and
// timeouts degrade to ABSTAIN; they never fail the round.
func (e *Engine) Decide(ctx context.Context, req Request) *Consensus {
	votes := make([]Vote, len(e.providers))
	var wg sync.WaitGroup
	for i, p := range e.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			votes[i] = e.collect(ctx, p, req)
		}(i, p)
	}
	wg.Wait()

	return e.tally(req, votes)
}

func (e *Engine) collect(ctx context.Context, p Provider, req Request) Vote {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	started := time.Now()
	decision, confidence, reasoning, err := p.Vote(ctx, req)
	vote := Vote{Provider: p.Name(), Latency: time.Since(started)}
	if err != nil {
		vote.Decision = DecisionAbstain
		vote.Err = err.Error()
		log.Warn().Err(err).Str("provider", p.Name()).Msg("provider vote failed, degrading to abstain")
		return vote
	}

	switch decision {
	case DecisionBuy, DecisionSell, DecisionHold, DecisionAbstain:
		vote.Decision = decision
	default:
		vote.Decision = DecisionAbstain
		vote.Err = "unrecognized decision " + string(decision)
		return vote
	}
	if confidence < 0 || confidence > 1 {
		vote.Decision = DecisionAbstain
		vote.Err = "confidence out of range"
		return vote
	}

	vote.Confidence = confidence
	vote.Reasoning = reasoning
	if vote.Decision != DecisionAbstain {
		vote.Weight = p.BaseWeight() * e.accuracy.Multiplier(p.Name()) * (0.3 + 0.7*confidence)
	}
	return vote
}

func (e *Engine) tally(req Request, votes []Vote) *Consensus {
	cons := &Consensus{
		Votes:            votes,
		WeightByDecision: map[Decision]float64{},
		DecidedAt:        e.clk.Now(),
	}

	var total, confSum float64
	var counted, abstained int
	for _, v := range votes {
		if v.Decision == DecisionAbstain {
			abstained++
			continue
		}
		counted++
		confSum += v.Confidence
		total += v.Weight
		cons.WeightByDecision[v.Decision] += v.Weight
	}

	if counted == 0 || total == 0 {
		cons.Decision = DecisionHold
		cons.Conflicts = append(cons.Conflicts, Conflict{
			Type: ConflictTimeoutDegraded, Severity: SeverityHigh,
			Detail: "no usable votes",
		})
		return cons
	}
	cons.AvgConfidence = confSum / float64(counted)

	// Deterministic ranking: weight desc, then decision name.
	type ranked struct {
		decision Decision
		weight   float64
	}
	var order []ranked
	for d, w := range cons.WeightByDecision {
		order = append(order, ranked{d, w})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].weight != order[j].weight {
			return order[i].weight > order[j].weight
		}
		return order[i].decision < order[j].decision
	})

	cons.Decision = order[0].decision
	cons.AgreementStrength = order[0].weight / total

	if len(order) > 1 {
		margin := (order[0].weight - order[1].weight) / total
		if margin < e.cfg.SplitMargin {
			cons.Conflicts = append(cons.Conflicts, Conflict{
				Type: ConflictSplitDecision, Severity: SeverityHigh,
				Detail: "top decisions within margin",
			})
		}
	}
	if cons.AvgConfidence < e.cfg.LowConfidenceAvg {
		cons.Conflicts = append(cons.Conflicts, Conflict{
			Type: ConflictLowConfidence, Severity: SeverityMedium,
			Detail: "average confidence below threshold",
		})
	}
	if abstained*2 >= len(votes) {
		cons.Conflicts = append(cons.Conflicts, Conflict{
			Type: ConflictTimeoutDegraded, Severity: SeverityMedium,
			Detail: "half or more providers abstained or errored",
		})
	}
	if req.SupermajorityRequired && cons.AgreementStrength < e.cfg.SupermajorityThreshold {
		cons.Conflicts = append(cons.Conflicts, Conflict{
			Type: ConflictSupermajorityFailed, Severity: SeverityHigh,
			Detail: "agreement below supermajority threshold",
		})
		cons.Decision = DecisionHold
	}

	cons.ShouldExecute = e.shouldExecute(req, cons)
	return cons
}

func (e *Engine) shouldExecute(req Request, cons *Consensus) bool {
	if cons.Decision == DecisionHold || cons.Decision == DecisionAbstain {
		return false
	}
	if !req.Category.highStakes() {
		return true
	}
	if cons.AgreementStrength < e.cfg.HighStakesStrength {
		return false
	}
	for _, c := range cons.Conflicts {
		if c.Severity == SeverityHigh {
			return false
		}
	}
	return true
}
