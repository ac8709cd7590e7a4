package gates

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// Thresholds is one stage's row in the promotion table. YAML keys match
// the gate names Evaluate emits, so an operator reading a blocked gate
// knows exactly which knob it came from.
type Thresholds struct {
	MinTrades   int     `yaml:"min_trades"`
	MinWinRate  float64 `yaml:"min_win_rate_pct"`
	MaxDrawdown float64 `yaml:"max_drawdown_pct"`
	MinPF       float64 `yaml:"min_profit_factor"`
	MinExp      float64 `yaml:"min_expectancy_usd"`
	MinSharpe   float64 `yaml:"min_sharpe"`
	MinDays     int     `yaml:"min_trading_days"`
	WalkForward bool    `yaml:"walk_forward"`
	MaxOverfit  float64 `yaml:"max_overfit_ratio"`
	StressTest  bool    `yaml:"stress_test"`
	HumanOK     bool    `yaml:"human_approval"`
}

// Table maps each promotable stage to the thresholds its bots must
// clear. LIVE has no row; it is terminal.
type Table map[persistence.Stage]Thresholds

// Default returns the built-in promotion table. Callers get a fresh
// copy they may mutate.
func Default() Table {
	return Table{
		persistence.StageTrials: {MinTrades: 50, MinWinRate: 35, MaxDrawdown: 20, MinPF: 1.20, MinExp: 10, MinSharpe: 0.5},
		persistence.StagePaper:  {MinTrades: 100, MinWinRate: 40, MaxDrawdown: 15, MinPF: 1.30, MinExp: 15, MinSharpe: 0.7, MinDays: 5},
		persistence.StageShadow: {MinTrades: 200, MinWinRate: 45, MaxDrawdown: 12, MinPF: 1.40, MinExp: 20, MinSharpe: 0.9, MinDays: 5, WalkForward: true, MaxOverfit: 2.5},
		persistence.StageCanary: {MinTrades: 300, MinWinRate: 48, MaxDrawdown: 10, MinPF: 1.50, MinExp: 25, MinSharpe: 1.0, MinDays: 5, WalkForward: true, MaxOverfit: 2.5, StressTest: true, HumanOK: true},
	}
}

// Load reads a YAML override file and merges it over the defaults. A
// stage present in the file replaces its built-in row wholesale, so an
// override must spell out every threshold it wants to keep. Absent
// stages keep the defaults.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gates table %s: %w", path, err)
	}

	var rows map[string]Thresholds
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse gates table %s: %w", path, err)
	}

	table := Default()
	var errs []string
	for name, row := range rows {
		stage := persistence.Stage(name)
		if _, ok := table[stage]; !ok {
			errs = append(errs, fmt.Sprintf("unknown stage %q (want TRIALS, PAPER, SHADOW, or CANARY)", name))
			continue
		}
		if row.MinTrades < 0 {
			errs = append(errs, fmt.Sprintf("%s: min_trades must not be negative", name))
		}
		if row.MaxDrawdown <= 0 {
			errs = append(errs, fmt.Sprintf("%s: max_drawdown_pct must be positive", name))
		}
		if row.WalkForward && row.MaxOverfit <= 0 {
			errs = append(errs, fmt.Sprintf("%s: walk_forward needs a positive max_overfit_ratio", name))
		}
		table[stage] = row
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid gates table %s: %v", path, errs)
	}
	return table, nil
}
