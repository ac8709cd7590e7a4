package gates

import (
	"fmt"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// MetricsInput is the full metric snapshot a graduation check runs on.
type MetricsInput struct {
	Stage          persistence.Stage
	ClosedTrades   int
	WinRatePct     float64
	MaxDrawdownPct float64
	ProfitFactor   float64
	ExpectancyUSD  float64
	Sharpe         float64
	RealizedPnl    float64
	TradingDays    int
	HasLosers      bool
	DataProof      bool
	WalkForward    bool
	OverfitRatio   float64
	StressTested   bool
	HumanApproved  bool
}

// Direction tells the UI which way a gate wants its metric to move.
type Direction string

const (
	AtLeast Direction = "AT_LEAST"
	AtMost  Direction = "AT_MOST"
	MustBe  Direction = "MUST_BE_TRUE"
)

// Gate is one evaluated predicate.
type Gate struct {
	Name      string    `json:"name"`
	Required  float64   `json:"required"`
	Current   float64   `json:"current"`
	Passed    bool      `json:"passed"`
	Direction Direction `json:"direction"`
}

// Result is a full graduation evaluation. Same input, same result,
// bit for bit.
type Result struct {
	Stage     persistence.Stage `json:"stage"`
	Gates     []Gate            `json:"gates"`
	AllPassed bool              `json:"allPassed"`
	Blockers  []string          `json:"blockers"`
}

// NextStage returns the stage a passing bot promotes into.
func NextStage(stage persistence.Stage) (persistence.Stage, bool) {
	switch stage {
	case persistence.StageTrials:
		return persistence.StagePaper, true
	case persistence.StagePaper:
		return persistence.StageShadow, true
	case persistence.StageShadow:
		return persistence.StageCanary, true
	case persistence.StageCanary:
		return persistence.StageLive, true
	}
	return stage, false
}

// Evaluate runs the built-in table over the metrics. Deployments with
// a YAML override call Table.Evaluate on the loaded table instead.
func Evaluate(in MetricsInput) Result {
	return Default().Evaluate(in)
}

// Evaluate runs the stage's row of the table over the metrics. Pure:
// it reads nothing but the table and its argument. LIVE is terminal
// and never passes.
func (t Table) Evaluate(in MetricsInput) Result {
	th, ok := t[in.Stage]
	if !ok {
		return Result{Stage: in.Stage, Blockers: []string{fmt.Sprintf("stage %s has no promotion path", in.Stage)}}
	}

	res := Result{Stage: in.Stage, AllPassed: true}
	add := func(g Gate) {
		res.Gates = append(res.Gates, g)
		if !g.Passed {
			res.AllPassed = false
			res.Blockers = append(res.Blockers, g.Name)
		}
	}
	boolVal := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	add(Gate{Name: "min_trades", Required: float64(th.MinTrades), Current: float64(in.ClosedTrades),
		Passed: in.ClosedTrades >= th.MinTrades, Direction: AtLeast})
	add(Gate{Name: "min_win_rate_pct", Required: th.MinWinRate, Current: in.WinRatePct,
		Passed: in.WinRatePct >= th.MinWinRate, Direction: AtLeast})
	add(Gate{Name: "max_drawdown_pct", Required: th.MaxDrawdown, Current: in.MaxDrawdownPct,
		Passed: in.MaxDrawdownPct <= th.MaxDrawdown, Direction: AtMost})
	add(Gate{Name: "min_profit_factor", Required: th.MinPF, Current: in.ProfitFactor,
		Passed: in.ProfitFactor >= th.MinPF, Direction: AtLeast})
	add(Gate{Name: "min_expectancy_usd", Required: th.MinExp, Current: in.ExpectancyUSD,
		Passed: in.ExpectancyUSD >= th.MinExp, Direction: AtLeast})
	add(Gate{Name: "min_sharpe", Required: th.MinSharpe, Current: in.Sharpe,
		Passed: in.Sharpe >= th.MinSharpe, Direction: AtLeast})

	// Every stage wants evidence the metrics are real: losing trades
	// exist, the data lineage is proven, and the bot is net profitable.
	add(Gate{Name: "has_losers", Required: 1, Current: boolVal(in.HasLosers),
		Passed: in.HasLosers, Direction: MustBe})
	add(Gate{Name: "data_proof", Required: 1, Current: boolVal(in.DataProof),
		Passed: in.DataProof, Direction: MustBe})
	add(Gate{Name: "profitable", Required: 1, Current: boolVal(in.RealizedPnl > 0),
		Passed: in.RealizedPnl > 0, Direction: MustBe})

	if th.MinDays > 0 {
		add(Gate{Name: "min_trading_days", Required: float64(th.MinDays), Current: float64(in.TradingDays),
			Passed: in.TradingDays >= th.MinDays, Direction: AtLeast})
	}
	if th.WalkForward {
		add(Gate{Name: "walk_forward_validated", Required: 1, Current: boolVal(in.WalkForward),
			Passed: in.WalkForward, Direction: MustBe})
		add(Gate{Name: "max_overfit_ratio", Required: th.MaxOverfit, Current: in.OverfitRatio,
			Passed: in.OverfitRatio <= th.MaxOverfit, Direction: AtMost})
	}
	if th.StressTest {
		add(Gate{Name: "stress_test_passed", Required: 1, Current: boolVal(in.StressTested),
			Passed: in.StressTested, Direction: MustBe})
	}
	if th.HumanOK {
		add(Gate{Name: "human_approval", Required: 1, Current: boolVal(in.HumanApproved),
			Passed: in.HumanApproved, Direction: MustBe})
	}

	if res.Blockers == nil {
		res.Blockers = []string{}
	}
	return res
}
