package persistence

import (
	"context"
	"time"
)

// Stage is a bot's lifecycle position.
type Stage string

const (
	StageTrials Stage = "TRIALS"
	StagePaper  Stage = "PAPER"
	StageShadow Stage = "SHADOW"
	StageCanary Stage = "CANARY"
	StageLive   Stage = "LIVE"
)

// RunnerState is a bot instance's state machine position.
type RunnerState string

const (
	RunnerIdle         RunnerState = "IDLE"
	RunnerScanning     RunnerState = "SCANNING"
	RunnerInTrade      RunnerState = "IN_TRADE"
	RunnerExiting      RunnerState = "EXITING"
	RunnerMaintenance  RunnerState = "MAINTENANCE"
	RunnerMarketClosed RunnerState = "MARKET_CLOSED"
	RunnerDataFrozen   RunnerState = "DATA_FROZEN"
	RunnerStopped      RunnerState = "STOPPED"
)

// TradeStatus is a paper trade's lifecycle status.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Exit reason codes recorded on closed paper trades.
const (
	ExitStopLoss        = "STOP_LOSS"
	ExitTarget          = "TARGET"
	ExitTimeStop        = "TIME_STOP"
	ExitSessionEnd      = "SESSION_END"
	ExitAutoFlatten     = "AUTO_FLATTEN_BEFORE_CLOSE"
	ExitOrphanReconcile = "ORPHAN_RECONCILE"
	ExitKillSwitch      = "KILL_SWITCH"
	ExitAccountBlown    = "ACCOUNT_BLOWN"
)

// JobStatus is a background job's lifecycle status.
type JobStatus string

const (
	JobQueued  JobStatus = "QUEUED"
	JobRunning JobStatus = "RUNNING"
	JobTimeout JobStatus = "TIMEOUT"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// AttemptStatus is an account attempt's status. Exactly one ACTIVE
// attempt exists per account.
type AttemptStatus string

const (
	AttemptActive AttemptStatus = "ACTIVE"
	AttemptBlown  AttemptStatus = "BLOWN"
)

// Bot is a strategy under lifecycle governance.
type Bot struct {
	ID                  string                 `json:"id" db:"id"`
	UserID              string                 `json:"user_id" db:"user_id"`
	Symbol              string                 `json:"symbol" db:"symbol"`
	Stage               Stage                  `json:"stage" db:"stage"`
	StageReason         *string                `json:"stage_reason,omitempty" db:"stage_reason"`
	CurrentGenerationID *string                `json:"current_generation_id,omitempty" db:"current_generation_id"`
	StrategyConfig      map[string]interface{} `json:"strategy_config" db:"strategy_config"`
	LiveMetrics         map[string]interface{} `json:"live_metrics" db:"live_metrics"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at" db:"updated_at"`
}

// BotInstance binds a bot to an account under one runner.
type BotInstance struct {
	ID               string      `json:"id" db:"id"`
	BotID            string      `json:"bot_id" db:"bot_id"`
	AccountID        string      `json:"account_id" db:"account_id"`
	State            RunnerState `json:"state" db:"state"`
	LastHeartbeatAt  *time.Time  `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	AwaitingRecovery bool        `json:"awaiting_recovery" db:"awaiting_recovery"`
	ReadyForRestart  bool        `json:"ready_for_restart" db:"ready_for_restart"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// PaperTrade is the durable record of a simulated trade. At most one OPEN
// trade exists per (bot, active attempt).
type PaperTrade struct {
	ID               string      `json:"id" db:"id"`
	BotID            string      `json:"bot_id" db:"bot_id"`
	AccountAttemptID string      `json:"account_attempt_id" db:"account_attempt_id"`
	Symbol           string      `json:"symbol" db:"symbol"`
	Side             string      `json:"side" db:"side"` // BUY or SELL
	Qty              float64     `json:"qty" db:"qty"`
	EntryPrice       float64     `json:"entry_price" db:"entry_price"`
	EntryTs          time.Time   `json:"entry_ts" db:"entry_ts"`
	ExitPrice        *float64    `json:"exit_price,omitempty" db:"exit_price"`
	ExitTs           *time.Time  `json:"exit_ts,omitempty" db:"exit_ts"`
	Status           TradeStatus `json:"status" db:"status"`
	ExitReasonCode   *string     `json:"exit_reason_code,omitempty" db:"exit_reason_code"`
	StopPrice        float64     `json:"stop_price" db:"stop_price"`
	TargetPrice      float64     `json:"target_price" db:"target_price"`
	Pnl              float64     `json:"pnl" db:"pnl"`
	Fees             float64     `json:"fees" db:"fees"`
	Slippage         float64     `json:"slippage" db:"slippage"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// Account is a simulated funding account. Balance is derived: initial
// plus the net PnL of the active attempt.
type Account struct {
	ID                    string    `json:"id" db:"id"`
	UserID                string    `json:"user_id" db:"user_id"`
	InitialBalance        float64   `json:"initial_balance" db:"initial_balance"`
	CurrentAttemptNumber  int       `json:"current_attempt_number" db:"current_attempt_number"`
	ConsecutiveBlownCount int       `json:"consecutive_blown_count" db:"consecutive_blown_count"`
	TotalBlownCount       int       `json:"total_blown_count" db:"total_blown_count"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// AccountAttempt is one lifetime of an account before being blown.
type AccountAttempt struct {
	ID              string        `json:"id" db:"id"`
	AccountID       string        `json:"account_id" db:"account_id"`
	AttemptNumber   int           `json:"attempt_number" db:"attempt_number"`
	Status          AttemptStatus `json:"status" db:"status"`
	StartingBalance float64       `json:"starting_balance" db:"starting_balance"`
	EndingBalance   *float64      `json:"ending_balance,omitempty" db:"ending_balance"`
	BlownReason     *string       `json:"blown_reason,omitempty" db:"blown_reason"`
	BlownAt         *time.Time    `json:"blown_at,omitempty" db:"blown_at"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

// Job is a leased background job.
type Job struct {
	ID              string                 `json:"id" db:"id"`
	BotID           *string                `json:"bot_id,omitempty" db:"bot_id"`
	JobType         string                 `json:"job_type" db:"job_type"`
	Status          JobStatus              `json:"status" db:"status"`
	Priority        *int                   `json:"priority,omitempty" db:"priority"`
	LeaseOwner      *string                `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt  *time.Time             `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty" db:"started_at"`
	LastHeartbeatAt *time.Time             `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	Attempts        int                    `json:"attempts" db:"attempts"`
	Payload         map[string]interface{} `json:"payload,omitempty" db:"payload"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
}

// Event is an append-only integration/audit event.
type Event struct {
	ID        string                 `json:"id" db:"id"`
	BotID     *string                `json:"bot_id,omitempty" db:"bot_id"`
	EventType string                 `json:"event_type" db:"event_type"`
	Severity  string                 `json:"severity" db:"severity"`
	Payload   map[string]interface{} `json:"payload" db:"payload"`
	TraceID   string                 `json:"trace_id" db:"trace_id"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// BotsRepo persists bots and their instances.
type BotsRepo interface {
	Get(ctx context.Context, botID string) (*Bot, error)
	ListByStage(ctx context.Context, stage Stage) ([]Bot, error)
	ListByAccount(ctx context.Context, accountID string) ([]Bot, error)

	// UpdateStage moves the bot to stage with an attributable reason.
	UpdateStage(ctx context.Context, botID string, stage Stage, reason string) error

	// MergeStrategyConfig merges fields into the existing strategy config
	// without dropping server-owned keys.
	MergeStrategyConfig(ctx context.Context, botID string, fields map[string]interface{}) error

	// UpdateLiveMetrics replaces the bot's cached live metrics snapshot.
	UpdateLiveMetrics(ctx context.Context, botID string, metrics map[string]interface{}) error

	GetInstance(ctx context.Context, botID string) (*BotInstance, error)
	ListRunningInstances(ctx context.Context) ([]BotInstance, error)
	UpsertInstance(ctx context.Context, inst BotInstance) error
	UpdateInstanceState(ctx context.Context, instanceID string, state RunnerState) error
	TouchInstanceHeartbeat(ctx context.Context, instanceID string, at time.Time) error

	// ClearRecoveryFlags clears awaiting-recovery and marks instances on
	// the account ready for restart.
	ClearRecoveryFlags(ctx context.Context, accountID string) error
}

// TradesRepo persists paper trades. The runner is the sole writer for its
// own bot's trades.
type TradesRepo interface {
	Insert(ctx context.Context, trade PaperTrade) error
	Close(ctx context.Context, tradeID string, exitPrice float64, exitTs time.Time, reason string, pnl, fees, slippage float64) error

	// OpenByBot returns OPEN trades for the bot's attempt, newest first
	// (entry_ts DESC, id DESC for deterministic ties).
	OpenByBot(ctx context.Context, botID, attemptID string) ([]PaperTrade, error)

	// ClosedByAttempt returns CLOSED trades ordered exit_ts ASC NULLS
	// LAST, id ASC for deterministic metric recovery.
	ClosedByAttempt(ctx context.Context, botID, attemptID string) ([]PaperTrade, error)

	// FindOpenFingerprint finds any other bot's OPEN trade matching
	// (symbol, entry ts, entry price, side) for the duplicate guard.
	FindOpenFingerprint(ctx context.Context, symbol string, entryTs time.Time, entryPrice float64, side, excludeBotID string) (*PaperTrade, error)

	// SumPnlByAttempt returns net realized pnl for an attempt.
	SumPnlByAttempt(ctx context.Context, attemptID string) (float64, error)
}

// AccountsRepo persists accounts and attempts.
type AccountsRepo interface {
	Get(ctx context.Context, accountID string) (*Account, error)
	ActiveAttempt(ctx context.Context, accountID string) (*AccountAttempt, error)

	// MarkAttemptBlown atomically flips the ACTIVE attempt to BLOWN and
	// increments the account's blown counters, returning the new
	// consecutive count. A second call for the same attempt is a no-op
	// returning the current count.
	MarkAttemptBlown(ctx context.Context, attemptID, reason string, endingBalance float64, at time.Time) (int, error)

	// ResetForNewAttempt creates the next ACTIVE attempt with the given
	// starting balance and zeroes the consecutive counter.
	ResetForNewAttempt(ctx context.Context, accountID string, startingBalance float64) (*AccountAttempt, error)
}

// EventsRepo is the append-only audit sink.
type EventsRepo interface {
	Append(ctx context.Context, event Event) error
	ListByBot(ctx context.Context, botID string, limit int) ([]Event, error)
}
