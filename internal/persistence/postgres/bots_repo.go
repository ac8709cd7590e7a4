package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// botsRepo implements BotsRepo for PostgreSQL.
type botsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBotsRepo creates a PostgreSQL bot repository.
func NewBotsRepo(db *sqlx.DB, timeout time.Duration) persistence.BotsRepo {
	return &botsRepo{db: db, timeout: timeout}
}

type botRow struct {
	ID                  string    `db:"id"`
	UserID              string    `db:"user_id"`
	Symbol              string    `db:"symbol"`
	Stage               string    `db:"stage"`
	StageReason         *string   `db:"stage_reason"`
	CurrentGenerationID *string   `db:"current_generation_id"`
	StrategyConfig      []byte    `db:"strategy_config"`
	LiveMetrics         []byte    `db:"live_metrics"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (row botRow) toBot() (*persistence.Bot, error) {
	bot := &persistence.Bot{
		ID:                  row.ID,
		UserID:              row.UserID,
		Symbol:              row.Symbol,
		Stage:               persistence.Stage(row.Stage),
		StageReason:         row.StageReason,
		CurrentGenerationID: row.CurrentGenerationID,
		StrategyConfig:      make(map[string]interface{}),
		LiveMetrics:         make(map[string]interface{}),
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if len(row.StrategyConfig) > 0 {
		if err := json.Unmarshal(row.StrategyConfig, &bot.StrategyConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal strategy config for bot %s: %w", row.ID, err)
		}
	}
	if len(row.LiveMetrics) > 0 {
		if err := json.Unmarshal(row.LiveMetrics, &bot.LiveMetrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal live metrics for bot %s: %w", row.ID, err)
		}
	}
	return bot, nil
}

const botColumns = `id, user_id, symbol, stage, stage_reason, current_generation_id,
	strategy_config, live_metrics, created_at, updated_at`

// Get returns a bot by id.
func (r *botsRepo) Get(ctx context.Context, botID string) (*persistence.Bot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row botRow
	err := r.db.GetContext(ctx, &row, `SELECT `+botColumns+` FROM bots WHERE id = $1`, botID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bot %s: %w", botID, err)
	}
	return row.toBot()
}

// ListByStage returns bots in a stage, deterministically ordered.
func (r *botsRepo) ListByStage(ctx context.Context, stage persistence.Stage) ([]persistence.Bot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []botRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+botColumns+` FROM bots WHERE stage = $1
		ORDER BY updated_at DESC NULLS LAST, id DESC`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("failed to query bots by stage %s: %w", stage, err)
	}
	return r.toBots(rows)
}

// ListByAccount returns bots whose instance is attached to accountID.
func (r *botsRepo) ListByAccount(ctx context.Context, accountID string) ([]persistence.Bot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []botRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT b.id, b.user_id, b.symbol, b.stage, b.stage_reason, b.current_generation_id,
			b.strategy_config, b.live_metrics, b.created_at, b.updated_at
		FROM bots b
		JOIN bot_instances i ON i.bot_id = b.id
		WHERE i.account_id = $1
		ORDER BY b.updated_at DESC NULLS LAST, b.id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots by account %s: %w", accountID, err)
	}
	return r.toBots(rows)
}

func (r *botsRepo) toBots(rows []botRow) ([]persistence.Bot, error) {
	bots := make([]persistence.Bot, 0, len(rows))
	for _, row := range rows {
		bot, err := row.toBot()
		if err != nil {
			return nil, err
		}
		bots = append(bots, *bot)
	}
	return bots, nil
}

// UpdateStage moves the bot to stage with a recorded reason.
func (r *botsRepo) UpdateStage(ctx context.Context, botID string, stage persistence.Stage, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE bots SET stage = $2, stage_reason = $3, updated_at = NOW() WHERE id = $1`,
		botID, string(stage), reason)
	if err != nil {
		return fmt.Errorf("failed to update stage for bot %s: %w", botID, err)
	}
	return nil
}

// MergeStrategyConfig merges fields into the stored config so
// server-owned keys survive partial client updates.
func (r *botsRepo) MergeStrategyConfig(ctx context.Context, botID string, fields map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE bots
		SET strategy_config = COALESCE(strategy_config, '{}'::jsonb) || $2::jsonb,
			updated_at = NOW()
		WHERE id = $1`, botID, payload)
	if err != nil {
		return fmt.Errorf("failed to merge strategy config for bot %s: %w", botID, err)
	}
	return nil
}

// UpdateLiveMetrics replaces the cached live metrics snapshot.
func (r *botsRepo) UpdateLiveMetrics(ctx context.Context, botID string, metrics map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal live metrics: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE bots SET live_metrics = $2::jsonb, updated_at = NOW() WHERE id = $1`,
		botID, payload)
	if err != nil {
		return fmt.Errorf("failed to update live metrics for bot %s: %w", botID, err)
	}
	return nil
}

const instanceColumns = `id, bot_id, account_id, state, last_heartbeat_at,
	awaiting_recovery, ready_for_restart, updated_at`

// GetInstance returns the bot's runner instance.
func (r *botsRepo) GetInstance(ctx context.Context, botID string) (*persistence.BotInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var inst persistence.BotInstance
	err := r.db.GetContext(ctx, &inst, `
		SELECT `+instanceColumns+` FROM bot_instances WHERE bot_id = $1
		ORDER BY updated_at DESC NULLS LAST, id DESC LIMIT 1`, botID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instance for bot %s: %w", botID, err)
	}
	return &inst, nil
}

// ListRunningInstances returns instances not in a terminal state, for the
// kill-switch second-phase sweep.
func (r *botsRepo) ListRunningInstances(ctx context.Context) ([]persistence.BotInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var insts []persistence.BotInstance
	err := r.db.SelectContext(ctx, &insts, `
		SELECT `+instanceColumns+` FROM bot_instances
		WHERE state NOT IN ('STOPPED', 'IDLE')
		ORDER BY updated_at DESC NULLS LAST, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running instances: %w", err)
	}
	return insts, nil
}

// UpsertInstance writes the instance, last-writer-wins by updated_at.
func (r *botsRepo) UpsertInstance(ctx context.Context, inst persistence.BotInstance) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bot_instances (id, bot_id, account_id, state, last_heartbeat_at,
			awaiting_recovery, ready_for_restart, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			last_heartbeat_at = excluded.last_heartbeat_at,
			awaiting_recovery = excluded.awaiting_recovery,
			ready_for_restart = excluded.ready_for_restart,
			updated_at = NOW()
		WHERE bot_instances.updated_at <= NOW()`,
		inst.ID, inst.BotID, inst.AccountID, string(inst.State), inst.LastHeartbeatAt,
		inst.AwaitingRecovery, inst.ReadyForRestart)
	if err != nil {
		return fmt.Errorf("failed to upsert instance %s: %w", inst.ID, err)
	}
	return nil
}

// UpdateInstanceState sets the instance's runner state.
func (r *botsRepo) UpdateInstanceState(ctx context.Context, instanceID string, state persistence.RunnerState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE bot_instances SET state = $2, updated_at = NOW() WHERE id = $1`,
		instanceID, string(state))
	if err != nil {
		return fmt.Errorf("failed to update instance %s state: %w", instanceID, err)
	}
	return nil
}

// TouchInstanceHeartbeat records runner liveness.
func (r *botsRepo) TouchInstanceHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE bot_instances SET last_heartbeat_at = $2, updated_at = NOW() WHERE id = $1`,
		instanceID, at)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat for instance %s: %w", instanceID, err)
	}
	return nil
}

// ClearRecoveryFlags readies an account's instances after attempt reset.
func (r *botsRepo) ClearRecoveryFlags(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE bot_instances
		SET awaiting_recovery = FALSE, ready_for_restart = TRUE, updated_at = NOW()
		WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to clear recovery flags for account %s: %w", accountID, err)
	}
	return nil
}
