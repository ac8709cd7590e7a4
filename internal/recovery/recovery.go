package recovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

const (
	// BlownReasonDepleted is recorded on attempts whose derived balance
	// crossed zero.
	BlownReasonDepleted = "BALANCE_DEPLETED"
	// DemotionReason is the locked stage reason for bots demoted after
	// repeated blown attempts.
	DemotionReason = "BLOWN_ACCOUNT_DEMOTION"
	// JobTypeImproving is the evolution job queued for bots on accounts
	// that still get another chance.
	JobTypeImproving = "IMPROVING"

	// demotionThreshold is the consecutive blown count at which attached
	// bots demote instead of improving.
	demotionThreshold = 3
)

// Enqueuer is the slice of the job queue recovery needs.
type Enqueuer interface {
	EnqueueIdempotent(ctx context.Context, botID string, jobType string, priority *int, payload map[string]interface{}) (*persistence.Job, bool, error)
}

// RunnerStopper stops every live runner attached to an account.
type RunnerStopper interface {
	StopAccount(ctx context.Context, accountID string) []string
}

// Depletion is the message a runner emits when a close drives the
// derived balance to zero or below.
type Depletion struct {
	AccountID string
	AttemptID string
	Balance   float64
}

// Handler owns the blown-account lifecycle. Runners never call it
// directly; they post a Depletion and the handler's loop picks it up on
// its own goroutine, which keeps the runner/recovery/queue cycle broken.
type Handler struct {
	accounts persistence.AccountsRepo
	bots     persistence.BotsRepo
	events   persistence.EventsRepo
	queue    Enqueuer
	stopper  RunnerStopper
	clk      clock.Clock

	depletions chan Depletion
}

// NewHandler creates a recovery handler.
func NewHandler(accounts persistence.AccountsRepo, bots persistence.BotsRepo, events persistence.EventsRepo, queue Enqueuer, stopper RunnerStopper, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{
		accounts:   accounts,
		bots:       bots,
		events:     events,
		queue:      queue,
		stopper:    stopper,
		clk:        clk,
		depletions: make(chan Depletion, 16),
	}
}

// Notify queues a depletion for asynchronous handling. Safe to call
// from a runner's bar callback; never blocks the caller's trade close.
func (h *Handler) Notify(d Depletion) {
	select {
	case h.depletions <- d:
	default:
		// The buffer only fills if the loop is wedged; duplicate
		// notifications are harmless because HandleDepletion is
		// idempotent per attempt, so drop rather than stall a runner.
		log.Warn().Str("account_id", d.AccountID).Msg("depletion queue full, dropping notification")
	}
}

// Run drains depletion notifications until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-h.depletions:
			if err := h.HandleDepletion(ctx, d); err != nil {
				log.Error().Err(err).Str("account_id", d.AccountID).Msg("blown-account handling failed")
			}
		}
	}
}

// HandleDepletion marks the attempt blown, stops the account's runners,
// then routes each attached bot to demotion or an improvement job based
// on the consecutive blown count. Re-delivery for an already-blown
// attempt is a no-op apart from re-checking bot routing.
func (h *Handler) HandleDepletion(ctx context.Context, d Depletion) error {
	consecutive, err := h.accounts.MarkAttemptBlown(ctx, d.AttemptID, BlownReasonDepleted, d.Balance, h.clk.Now())
	if err != nil {
		return fmt.Errorf("failed to mark attempt %s blown: %w", d.AttemptID, err)
	}

	stopped := h.stopper.StopAccount(ctx, d.AccountID)
	h.audit(ctx, nil, "ACCOUNT_BLOWN", map[string]interface{}{
		"account_id":  d.AccountID,
		"attempt_id":  d.AttemptID,
		"balance":     d.Balance,
		"reason":      BlownReasonDepleted,
		"consecutive": consecutive,
		"stopped":     stopped,
	})

	log.Warn().Str("account_id", d.AccountID).Int("consecutive", consecutive).
		Float64("balance", d.Balance).Msg("account attempt blown")

	bots, err := h.bots.ListByAccount(ctx, d.AccountID)
	if err != nil {
		return fmt.Errorf("failed to list bots for account %s: %w", d.AccountID, err)
	}

	var firstErr error
	for _, bot := range bots {
		if err := h.routeBot(ctx, d.AccountID, bot, consecutive); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Handler) routeBot(ctx context.Context, accountID string, bot persistence.Bot, consecutive int) error {
	if consecutive >= demotionThreshold {
		if err := h.bots.UpdateStage(ctx, bot.ID, persistence.StageTrials, DemotionReason); err != nil {
			return fmt.Errorf("failed to demote bot %s: %w", bot.ID, err)
		}
		botID := bot.ID
		h.audit(ctx, &botID, "BOT_DEMOTED", map[string]interface{}{
			"from_stage":  string(bot.Stage),
			"to_stage":    string(persistence.StageTrials),
			"reason":      DemotionReason,
			"consecutive": consecutive,
		})
		log.Warn().Str("bot_id", bot.ID).Str("from", string(bot.Stage)).Msg("bot demoted after repeated blown accounts")
		return nil
	}

	_, created, err := h.queue.EnqueueIdempotent(ctx, bot.ID, JobTypeImproving, nil, map[string]interface{}{
		"trigger":     "account_blown",
		"account_id":  accountID,
		"consecutive": consecutive,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue improving job for bot %s: %w", bot.ID, err)
	}
	log.Info().Str("bot_id", bot.ID).Bool("created", created).Msg("improvement job requested")
	return nil
}

// ResetAccount opens the next attempt: new starting balance, zeroed bot
// metric caches, recovery flags cleared so instances may restart.
func (h *Handler) ResetAccount(ctx context.Context, accountID string, startingBalance float64) (*persistence.AccountAttempt, error) {
	attempt, err := h.accounts.ResetForNewAttempt(ctx, accountID, startingBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to reset account %s: %w", accountID, err)
	}

	bots, err := h.bots.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots for account %s: %w", accountID, err)
	}
	for _, bot := range bots {
		if err := h.bots.UpdateLiveMetrics(ctx, bot.ID, map[string]interface{}{}); err != nil {
			return nil, fmt.Errorf("failed to zero metrics for bot %s: %w", bot.ID, err)
		}
	}

	if err := h.bots.ClearRecoveryFlags(ctx, accountID); err != nil {
		return nil, fmt.Errorf("failed to clear recovery flags for account %s: %w", accountID, err)
	}

	h.audit(ctx, nil, "ACCOUNT_RESET", map[string]interface{}{
		"account_id":       accountID,
		"attempt_id":       attempt.ID,
		"attempt_number":   attempt.AttemptNumber,
		"starting_balance": startingBalance,
	})
	log.Info().Str("account_id", accountID).Int("attempt", attempt.AttemptNumber).Msg("account reset for new attempt")
	return attempt, nil
}

func (h *Handler) audit(ctx context.Context, botID *string, eventType string, payload map[string]interface{}) {
	err := h.events.Append(ctx, persistence.Event{
		ID:        uuid.NewString(),
		BotID:     botID,
		EventType: eventType,
		Severity:  "CRITICAL",
		Payload:   payload,
		TraceID:   uuid.NewString(),
		CreatedAt: h.clk.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to append audit event")
	}
}
