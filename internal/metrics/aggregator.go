package metrics

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

const (
	// equityNotional seeds every equity curve so drawdown percentages
	// are comparable across stages and account sizes.
	equityNotional = 10000.0
	// sharpeMinTrades is the floor below which a Sharpe is noise.
	sharpeMinTrades = 5
	sharpeClamp     = 5.0
	pfCap           = 999.0
	tradingDaysFmt  = "2006-01-02"
)

// Snapshot is a bot's recomputed performance, derived strictly from the
// ledger.
type Snapshot struct {
	ClosedTrades   int     `json:"closedTrades"`
	OpenTrades     int     `json:"openTrades"`
	RealizedPnl    float64 `json:"realizedPnl"`
	WinRatePct     float64 `json:"winRate"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct"`
	ProfitFactor   float64 `json:"profitFactor"`
	Sharpe         float64 `json:"sharpe"`
	ExpectancyUSD  float64 `json:"expectancyUsd"`
	TradingDays    int     `json:"tradingDays"`
	HasLosers      bool    `json:"hasLosers"`
}

// Compute folds closed trades (ordered exit_ts ASC NULLS LAST, id ASC
// by the repo) into a snapshot. ORPHAN_RECONCILE closures are excluded:
// they are bookkeeping, not performance.
func Compute(closed []persistence.PaperTrade, openCount int) Snapshot {
	snap := Snapshot{OpenTrades: openCount}

	equity := equityNotional
	peak := equityNotional
	var wins int
	var grossWin, grossLoss float64
	var returns []float64
	days := make(map[string]bool)

	for _, tr := range closed {
		if tr.ExitReasonCode != nil && *tr.ExitReasonCode == persistence.ExitOrphanReconcile {
			continue
		}
		snap.ClosedTrades++
		snap.RealizedPnl += tr.Pnl
		returns = append(returns, tr.Pnl/equityNotional)
		if tr.ExitTs != nil {
			days[tr.ExitTs.UTC().Format(tradingDaysFmt)] = true
		}

		switch {
		case tr.Pnl > 0:
			wins++
			grossWin += tr.Pnl
		case tr.Pnl < 0:
			grossLoss += -tr.Pnl
			snap.HasLosers = true
		}

		equity += tr.Pnl
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak * 100
			if dd > snap.MaxDrawdownPct {
				snap.MaxDrawdownPct = dd
			}
		}
	}

	snap.TradingDays = len(days)
	if snap.ClosedTrades > 0 {
		snap.WinRatePct = float64(wins) / float64(snap.ClosedTrades) * 100
		snap.ExpectancyUSD = snap.RealizedPnl / float64(snap.ClosedTrades)
	}

	switch {
	case grossLoss > 0:
		snap.ProfitFactor = grossWin / grossLoss
		if snap.ProfitFactor > pfCap {
			snap.ProfitFactor = pfCap
		}
	case grossWin > 0:
		snap.ProfitFactor = pfCap
	}

	snap.Sharpe = sharpe(returns)
	return snap
}

// sharpe annualizes per-trade returns as if daily (sqrt 252), clamped
// to +/-5; fewer than 5 trades reads as zero.
func sharpe(returns []float64) float64 {
	if len(returns) < sharpeMinTrades {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)))
	if stddev == 0 {
		return 0
	}
	s := mean / stddev * math.Sqrt(252)
	if s > sharpeClamp {
		return sharpeClamp
	}
	if s < -sharpeClamp {
		return -sharpeClamp
	}
	return s
}

// Aggregator recomputes bot metrics from the ledger and refreshes the
// cached snapshot on the bot row.
type Aggregator struct {
	bots     persistence.BotsRepo
	trades   persistence.TradesRepo
	accounts persistence.AccountsRepo
}

// NewAggregator creates a metrics aggregator.
func NewAggregator(bots persistence.BotsRepo, trades persistence.TradesRepo, accounts persistence.AccountsRepo) *Aggregator {
	return &Aggregator{bots: bots, trades: trades, accounts: accounts}
}

// Recompute rebuilds botID's snapshot from its active attempt's ledger
// and persists it as the bot's cached live metrics.
func (a *Aggregator) Recompute(ctx context.Context, botID, accountID string) (Snapshot, error) {
	attempt, err := a.accounts.ActiveAttempt(ctx, accountID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to resolve active attempt for account %s: %w", accountID, err)
	}

	closed, err := a.trades.ClosedByAttempt(ctx, botID, attempt.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load closed trades for bot %s: %w", botID, err)
	}
	open, err := a.trades.OpenByBot(ctx, botID, attempt.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load open trades for bot %s: %w", botID, err)
	}

	snap := Compute(closed, len(open))
	if err := a.bots.UpdateLiveMetrics(ctx, botID, snap.AsMap()); err != nil {
		return Snapshot{}, fmt.Errorf("failed to persist live metrics for bot %s: %w", botID, err)
	}

	log.Debug().Str("bot_id", botID).Int("closed", snap.ClosedTrades).
		Float64("pnl", snap.RealizedPnl).Msg("recomputed live metrics")
	return snap, nil
}

// AsMap flattens the snapshot for the jsonb live_metrics column.
func (s Snapshot) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"closedTrades":   s.ClosedTrades,
		"openTrades":     s.OpenTrades,
		"realizedPnl":    s.RealizedPnl,
		"winRate":        s.WinRatePct,
		"maxDrawdownPct": s.MaxDrawdownPct,
		"profitFactor":   s.ProfitFactor,
		"sharpe":         s.Sharpe,
		"expectancyUsd":  s.ExpectancyUSD,
		"tradingDays":    s.TradingDays,
		"hasLosers":      s.HasLosers,
	}
}
