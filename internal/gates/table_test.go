package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

func writeTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesListedStagesOnly(t *testing.T) {
	table, err := Load(writeTable(t, `
TRIALS:
  min_trades: 10
  min_win_rate_pct: 30
  max_drawdown_pct: 25
  min_profit_factor: 1.10
  min_expectancy_usd: 5
  min_sharpe: 0.3
`))
	require.NoError(t, err)

	require.Equal(t, 10, table[persistence.StageTrials].MinTrades)
	require.Equal(t, Default()[persistence.StagePaper], table[persistence.StagePaper])

	in := passingTrials()
	in.ClosedTrades = 12
	require.True(t, table.Evaluate(in).AllPassed)
	require.Contains(t, Evaluate(in).Blockers, "min_trades")
}

func TestLoadedRowReplacesWholesale(t *testing.T) {
	// An override that omits min_sharpe zeroes the floor; the row is
	// replaced, not merged over the built-in 0.5.
	table, err := Load(writeTable(t, `
TRIALS:
  min_trades: 50
  min_win_rate_pct: 35
  max_drawdown_pct: 20
  min_profit_factor: 1.20
  min_expectancy_usd: 10
`))
	require.NoError(t, err)

	in := passingTrials()
	in.Sharpe = 0.1
	require.True(t, table.Evaluate(in).AllPassed)
	require.Contains(t, Evaluate(in).Blockers, "min_sharpe")
}

func TestLoadRejectsUnknownStage(t *testing.T) {
	_, err := Load(writeTable(t, "LIVE:\n  min_trades: 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown stage")
}

func TestLoadRejectsBadRows(t *testing.T) {
	_, err := Load(writeTable(t, `
PAPER:
  min_trades: -1
  max_drawdown_pct: 0
SHADOW:
  max_drawdown_pct: 10
  walk_forward: true
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "min_trades")
	require.Contains(t, err.Error(), "max_drawdown_pct")
	require.Contains(t, err.Error(), "max_overfit_ratio")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultMatchesPackageEvaluate(t *testing.T) {
	in := passingTrials()
	require.Equal(t, Evaluate(in), Default().Evaluate(in))
}
