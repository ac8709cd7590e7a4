package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// tradesRepo implements TradesRepo for PostgreSQL.
type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates a PostgreSQL paper-trade repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

const tradeColumns = `id, bot_id, account_attempt_id, symbol, side, qty, entry_price, entry_ts,
	exit_price, exit_ts, status, exit_reason_code, stop_price, target_price, pnl, fees, slippage, created_at`

// Insert adds a new paper trade.
func (r *tradesRepo) Insert(ctx context.Context, trade persistence.PaperTrade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO paper_trades (id, bot_id, account_attempt_id, symbol, side, qty,
			entry_price, entry_ts, status, stop_price, target_price, pnl, fees, slippage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		trade.ID, trade.BotID, trade.AccountAttemptID, trade.Symbol, trade.Side, trade.Qty,
		trade.EntryPrice, trade.EntryTs, trade.Status, trade.StopPrice, trade.TargetPrice,
		trade.Pnl, trade.Fees, trade.Slippage)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate paper trade %s: %w", trade.ID, err)
		}
		return fmt.Errorf("failed to insert paper trade: %w", err)
	}
	return nil
}

// Close marks a trade CLOSED with its exit fill and economics.
func (r *tradesRepo) Close(ctx context.Context, tradeID string, exitPrice float64, exitTs time.Time, reason string, pnl, fees, slippage float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE paper_trades
		SET status = 'CLOSED', exit_price = $2, exit_ts = $3, exit_reason_code = $4,
			pnl = $5, fees = $6, slippage = $7
		WHERE id = $1 AND status = 'OPEN'`,
		tradeID, exitPrice, exitTs, reason, pnl, fees, slippage)
	if err != nil {
		return fmt.Errorf("failed to close paper trade %s: %w", tradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read close result for %s: %w", tradeID, err)
	}
	if n == 0 {
		return fmt.Errorf("paper trade %s is not open", tradeID)
	}
	return nil
}

// OpenByBot returns OPEN trades for (bot, attempt), newest first with a
// deterministic tie-break.
func (r *tradesRepo) OpenByBot(ctx context.Context, botID, attemptID string) ([]persistence.PaperTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trades []persistence.PaperTrade
	err := r.db.SelectContext(ctx, &trades, `
		SELECT `+tradeColumns+`
		FROM paper_trades
		WHERE bot_id = $1 AND account_attempt_id = $2 AND status = 'OPEN'
		ORDER BY entry_ts DESC NULLS LAST, id DESC`, botID, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades for bot %s: %w", botID, err)
	}
	return trades, nil
}

// ClosedByAttempt returns CLOSED trades ordered for deterministic metric
// recovery.
func (r *tradesRepo) ClosedByAttempt(ctx context.Context, botID, attemptID string) ([]persistence.PaperTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trades []persistence.PaperTrade
	err := r.db.SelectContext(ctx, &trades, `
		SELECT `+tradeColumns+`
		FROM paper_trades
		WHERE bot_id = $1 AND account_attempt_id = $2 AND status = 'CLOSED'
		ORDER BY exit_ts ASC NULLS LAST, id ASC`, botID, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades for bot %s: %w", botID, err)
	}
	return trades, nil
}

// FindOpenFingerprint looks for another bot's OPEN trade with the same
// (symbol, entry ts, entry price, side).
func (r *tradesRepo) FindOpenFingerprint(ctx context.Context, symbol string, entryTs time.Time, entryPrice float64, side, excludeBotID string) (*persistence.PaperTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trade persistence.PaperTrade
	err := r.db.GetContext(ctx, &trade, `
		SELECT `+tradeColumns+`
		FROM paper_trades
		WHERE symbol = $1 AND entry_ts = $2 AND entry_price = $3 AND side = $4
			AND bot_id <> $5 AND status = 'OPEN'
		ORDER BY created_at DESC NULLS LAST, id DESC
		LIMIT 1`, symbol, entryTs, entryPrice, side, excludeBotID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trade fingerprint: %w", err)
	}
	return &trade, nil
}

// SumPnlByAttempt returns net realized pnl for an attempt, excluding
// reconcile closures.
func (r *tradesRepo) SumPnlByAttempt(ctx context.Context, attemptID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sum float64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(pnl - fees), 0)
		FROM paper_trades
		WHERE account_attempt_id = $1 AND status = 'CLOSED'
			AND (exit_reason_code IS NULL OR exit_reason_code <> 'ORPHAN_RECONCILE')`,
		attemptID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pnl for attempt %s: %w", attemptID, err)
	}
	return sum, nil
}
