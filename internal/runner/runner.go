package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/broadcast"
	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/data/authority"
	"github.com/fleetrun/fleetrun/internal/data/facade"
	"github.com/fleetrun/fleetrun/internal/data/router"
	"github.com/fleetrun/fleetrun/internal/market"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

// Config holds the per-instrument and strategy parameters a runner
// trades with.
type Config struct {
	Timeframe     string
	TickSize      float64
	PointValue    float64
	FeePerSide    float64
	Qty           float64
	BootstrapBars int
	Base          BaseThresholds
}

// DefaultRunnerConfig returns MES micro-future parameters.
func DefaultRunnerConfig() Config {
	return Config{
		Timeframe:     "1m",
		TickSize:      0.25,
		PointValue:    5,
		FeePerSide:    1.24,
		Qty:           1,
		BootstrapBars: 50,
		Base:          DefaultBaseThresholds(),
	}
}

// MarkAuthority is the freshness-checked price source.
type MarkAuthority interface {
	GetMark(symbol, tf string) market.Mark
}

// Hooks are the runner's deferred side-effect callbacks, wired by the
// service so the runner never calls back into recovery synchronously.
type Hooks struct {
	// OnTradeOpened fires after a trade is persisted OPEN.
	OnTradeOpened func(botID string)
	// OnTradeClosed fires after a trade is persisted CLOSED.
	OnTradeClosed func(botID, accountID, reason string, pnl float64)
	// OnBalanceDepleted fires when the computed balance crosses zero.
	OnBalanceDepleted func(accountID, attemptID string, balance float64)
}

// Runner executes one bot's paper strategy bar by bar.
type Runner struct {
	config   Config
	bot      *persistence.Bot
	instance persistence.BotInstance
	attempt  *persistence.AccountAttempt
	arch     Archetype
	th       Thresholds

	bots     persistence.BotsRepo
	trades   persistence.TradesRepo
	accounts persistence.AccountsRepo
	events   persistence.EventsRepo

	marks     MarkAuthority
	calendar  *Calendar
	publisher broadcast.Publisher
	clk       clock.Clock
	hooks     Hooks

	mu           sync.Mutex
	ind          *Indicators
	barBuffer    []market.Bar
	openPosition *persistence.PaperTrade
	dataFrozen   bool
	stopped      bool
	sessionState SessionState
	unsubscribe  func()
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Bots      persistence.BotsRepo
	Trades    persistence.TradesRepo
	Accounts  persistence.AccountsRepo
	Events    persistence.EventsRepo
	Marks     MarkAuthority
	Calendar  *Calendar
	Publisher broadcast.Publisher
	Clock     clock.Clock
	Hooks     Hooks
}

// NewRunner builds a runner for one bot instance. The archetype is
// resolved here so a bad config refuses to start instead of silently
// trading a default.
func NewRunner(config Config, bot *persistence.Bot, instance persistence.BotInstance, deps Deps) (*Runner, error) {
	archName, _ := bot.StrategyConfig["archetype"].(string)
	arch, err := ParseArchetype(archName)
	if err != nil {
		return nil, fmt.Errorf("bot %s cannot start: %w", bot.ID, err)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Runner{
		config:       config,
		bot:          bot,
		instance:     instance,
		arch:         arch,
		th:           DeriveThresholds(bot.ID, config.Base),
		bots:         deps.Bots,
		trades:       deps.Trades,
		accounts:     deps.Accounts,
		events:       deps.Events,
		marks:        deps.Marks,
		calendar:     deps.Calendar,
		publisher:    deps.Publisher,
		clk:          clk,
		hooks:        deps.Hooks,
		ind:          NewIndicators(),
		sessionState: SessionOpen,
	}, nil
}

// BarSubscriber attaches the runner to the live bar stream.
type BarSubscriber interface {
	SubscribeBars(symbol, tf string, handler router.BarHandler) (func(), error)
}

// BarBootstrapper supplies warm-cache bars for indicator seeding.
type BarBootstrapper interface {
	GetBars(ctx context.Context, symbol string, opts facade.Opts) ([]market.Bar, error)
}

// Start hydrates state from the ledger, seeds indicators from the warm
// cache and subscribes to live bars.
func (r *Runner) Start(ctx context.Context, stream BarSubscriber, bootstrap BarBootstrapper) error {
	attempt, err := r.accounts.ActiveAttempt(ctx, r.instance.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load active attempt for account %s: %w", r.instance.AccountID, err)
	}
	r.attempt = attempt

	balance, err := r.computedBalance(ctx)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return fmt.Errorf("account %s balance %.2f is depleted, runner refuses to start", r.instance.AccountID, balance)
	}

	if err := r.reconcileOpenTrades(ctx); err != nil {
		return err
	}

	if bootstrap != nil {
		bars, err := bootstrap.GetBars(ctx, r.bot.Symbol, facade.Opts{MaxBars: r.config.BootstrapBars})
		if err != nil {
			log.Warn().Err(err).Str("bot_id", r.bot.ID).Msg("bar bootstrap failed, warming up live")
		}
		for _, bar := range bars {
			r.ind.Update(bar)
			r.barBuffer = append(r.barBuffer, bar)
		}
	}

	if stream != nil {
		unsub, err := stream.SubscribeBars(r.bot.Symbol, r.config.Timeframe, r.OnBar)
		if err != nil {
			return fmt.Errorf("failed to subscribe bot %s to bars: %w", r.bot.ID, err)
		}
		r.mu.Lock()
		r.unsubscribe = unsub
		r.mu.Unlock()
	}

	state := persistence.RunnerScanning
	if r.openPosition != nil {
		state = persistence.RunnerInTrade
	}
	if err := r.bots.UpdateInstanceState(ctx, r.instance.ID, state); err != nil {
		log.Warn().Err(err).Str("bot_id", r.bot.ID).Msg("failed to persist initial runner state")
	}

	r.broadcast()
	log.Info().Str("bot_id", r.bot.ID).Str("archetype", string(r.arch)).
		Int("seed_bars", len(r.barBuffer)).Msg("paper runner started")
	return nil
}

// reconcileOpenTrades hydrates the open position and self-heals the
// one-open-trade invariant: everything but the newest OPEN trade closes
// at entry with ORPHAN_RECONCILE.
func (r *Runner) reconcileOpenTrades(ctx context.Context) error {
	open, err := r.trades.OpenByBot(ctx, r.bot.ID, r.attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to load open trades for bot %s: %w", r.bot.ID, err)
	}
	if len(open) == 0 {
		return nil
	}

	now := r.clk.Now()
	for _, orphan := range open[1:] {
		if err := r.trades.Close(ctx, orphan.ID, orphan.EntryPrice, now, persistence.ExitOrphanReconcile, 0, 0, 0); err != nil {
			return fmt.Errorf("failed to reconcile orphan trade %s: %w", orphan.ID, err)
		}
		log.Error().Str("bot_id", r.bot.ID).Str("trade_id", orphan.ID).
			Msg("closed orphan OPEN trade during startup reconcile")
		r.audit(ctx, "ORPHAN_RECONCILE", "CRITICAL", map[string]interface{}{
			"trade_id":    orphan.ID,
			"entry_price": orphan.EntryPrice,
		})
	}

	newest := open[0]
	r.openPosition = &newest
	return nil
}

// Stop unsubscribes and marks the instance stopped. Pending bar
// callbacks observe stopped and no-op.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	unsub := r.unsubscribe
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if err := r.bots.UpdateInstanceState(ctx, r.instance.ID, persistence.RunnerStopped); err != nil {
		log.Warn().Err(err).Str("bot_id", r.bot.ID).Msg("failed to persist stopped state")
	}
	log.Info().Str("bot_id", r.bot.ID).Msg("paper runner stopped")
}

// SetDataFrozen flips the frozen flag on router control edges. Frozen
// runners keep receiving bars but skip execution.
func (r *Runner) SetDataFrozen(frozen bool) {
	r.mu.Lock()
	changed := r.dataFrozen != frozen
	r.dataFrozen = frozen
	r.mu.Unlock()
	if changed {
		r.broadcast()
	}
}

// BotID returns the runner's bot id.
func (r *Runner) BotID() string { return r.bot.ID }

// AccountID returns the runner's account id.
func (r *Runner) AccountID() string { return r.instance.AccountID }

// InstanceID returns the runner's instance id.
func (r *Runner) InstanceID() string { return r.instance.ID }

// Symbol returns the instrument the runner trades.
func (r *Runner) Symbol() string { return r.bot.Symbol }

// InTrade reports whether the runner currently holds a position.
func (r *Runner) InTrade() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openPosition != nil
}

// OnBar processes one live bar fully (indicators, session, exits,
// entries, broadcast) before the next bar is handled.
func (r *Runner) OnBar(bar market.Bar) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}

	now := r.clk.Now()
	prevSession := r.sessionState
	r.sessionState = r.calendar.State(now)
	if prevSession == SessionClosed && r.sessionState == SessionOpen {
		r.ind.ResetSession()
	}

	r.ind.Update(bar)
	r.barBuffer = append(r.barBuffer, bar)
	if len(r.barBuffer) > maxBufferBars {
		r.barBuffer = r.barBuffer[1:]
	}
	frozen := r.dataFrozen
	warm := r.ind.Warm()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.bots.TouchInstanceHeartbeat(ctx, r.instance.ID, now); err != nil {
		log.Warn().Err(err).Str("bot_id", r.bot.ID).Msg("heartbeat update failed")
	}

	if frozen {
		r.broadcast()
		return
	}

	switch r.currentSession() {
	case SessionClosed:
		r.closeIfOpen(ctx, bar.Close, persistence.ExitSessionEnd)
		r.broadcast()
		return
	case SessionMaintenance:
		// No entries, no liquidation; the position rides through.
		r.broadcast()
		return
	}

	exited := false
	if r.InTrade() {
		exited = r.evaluateExits(ctx, bar, now)
	}
	// No flip on the exit bar; fresh entries wait for the next one.
	if !exited && !r.InTrade() && warm {
		r.evaluateEntry(ctx, bar)
	}
	r.broadcast()
}

func (r *Runner) currentSession() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionState
}

// EnforceSession applies the calendar on a clock tick instead of a bar.
// A halted feed or thin overnight tape must not leave a position open
// past session end, and the reopen reset cannot wait for the first bar.
// Same precedence as OnBar: state always advances, execution is gated
// on the frozen flag.
func (r *Runner) EnforceSession(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	prev := r.sessionState
	next := r.calendar.State(r.clk.Now())
	if next == prev {
		r.mu.Unlock()
		return
	}
	r.sessionState = next
	if prev == SessionClosed && next == SessionOpen {
		r.ind.ResetSession()
	}
	frozen := r.dataFrozen
	r.mu.Unlock()

	log.Info().Str("bot_id", r.bot.ID).Str("from", string(prev)).
		Str("to", string(next)).Msg("session transition enforced off-bar")

	if next == SessionClosed && !frozen {
		r.closeAtMark(ctx, persistence.ExitSessionEnd)
	}
	r.broadcast()
}

func (r *Runner) evaluateExits(ctx context.Context, bar market.Bar, now time.Time) bool {
	r.mu.Lock()
	pos := r.openPosition
	r.mu.Unlock()
	if pos == nil {
		return false
	}

	if r.calendar.ShouldFlatten(now, r.config.Base.FlattenMinutes) {
		r.closeIfOpen(ctx, bar.Close, persistence.ExitAutoFlatten)
		return true
	}

	close := bar.Close
	switch pos.Side {
	case string(SideBuy):
		if close <= pos.StopPrice {
			r.closeIfOpen(ctx, close, persistence.ExitStopLoss)
			return true
		}
		if close >= pos.TargetPrice {
			r.closeIfOpen(ctx, close, persistence.ExitTarget)
			return true
		}
	case string(SideSell):
		if close >= pos.StopPrice {
			r.closeIfOpen(ctx, close, persistence.ExitStopLoss)
			return true
		}
		if close <= pos.TargetPrice {
			r.closeIfOpen(ctx, close, persistence.ExitTarget)
			return true
		}
	}

	if now.Sub(pos.EntryTs) >= time.Duration(r.th.TimeStopMin)*time.Minute {
		r.closeIfOpen(ctx, close, persistence.ExitTimeStop)
		return true
	}
	return false
}

func (r *Runner) evaluateEntry(ctx context.Context, bar market.Bar) {
	mark := r.marks.GetMark(r.bot.Symbol, r.config.Timeframe)
	if !mark.Fresh() {
		return
	}

	signal := EvaluateEntry(r.arch, r.ind, r.th)
	if signal == nil {
		return
	}

	entryPrice := bar.Close
	entryTs := bar.Time()

	// Duplicate guard: an identical OPEN trade from another bot on the
	// same bar blocks this one, so a fleet sharing a signal cannot
	// amplify it.
	dup, err := r.trades.FindOpenFingerprint(ctx, r.bot.Symbol, entryTs, entryPrice, string(signal.Side), r.bot.ID)
	if err != nil {
		log.Error().Err(err).Str("bot_id", r.bot.ID).Msg("duplicate guard query failed, blocking entry")
		return
	}
	if dup != nil {
		log.Warn().Str("bot_id", r.bot.ID).Str("duplicate_of", dup.BotID).
			Msg("entry blocked by duplicate trade guardrail")
		r.audit(ctx, "ORDER_BLOCKED_RISK", "WARN", map[string]interface{}{
			"reason":       "DUPLICATE_TRADE_GUARDRAIL",
			"symbol":       r.bot.Symbol,
			"side":         string(signal.Side),
			"entry_price":  entryPrice,
			"duplicate_of": dup.BotID,
		})
		return
	}

	stopOffset := float64(r.th.StopTicks) * r.config.TickSize
	targetOffset := float64(r.th.TargetTicks) * r.config.TickSize
	stop, target := entryPrice-stopOffset, entryPrice+targetOffset
	if signal.Side == SideSell {
		stop, target = entryPrice+stopOffset, entryPrice-targetOffset
	}

	trade := persistence.PaperTrade{
		ID:               uuid.NewString(),
		BotID:            r.bot.ID,
		AccountAttemptID: r.attempt.ID,
		Symbol:           r.bot.Symbol,
		Side:             string(signal.Side),
		Qty:              r.config.Qty,
		EntryPrice:       entryPrice,
		EntryTs:          entryTs,
		Status:           persistence.TradeOpen,
		StopPrice:        stop,
		TargetPrice:      target,
		CreatedAt:        r.clk.Now(),
	}
	if err := r.trades.Insert(ctx, trade); err != nil {
		log.Error().Err(err).Str("bot_id", r.bot.ID).Msg("failed to persist entry")
		return
	}

	r.mu.Lock()
	r.openPosition = &trade
	r.mu.Unlock()

	log.Info().Str("bot_id", r.bot.ID).Str("side", string(signal.Side)).
		Float64("entry", entryPrice).Str("reason", signal.Reason).Msg("opened paper position")

	if r.hooks.OnTradeOpened != nil {
		r.hooks.OnTradeOpened(r.bot.ID)
	}
}

// closeIfOpen closes the open position at price with reason, applying
// one tick of adverse slippage and per-side fees, then runs the blown
// predicate on the new balance.
func (r *Runner) closeIfOpen(ctx context.Context, price float64, reason string) {
	r.mu.Lock()
	pos := r.openPosition
	if pos == nil {
		r.mu.Unlock()
		return
	}
	r.openPosition = nil
	r.mu.Unlock()

	exitPrice := price - r.config.TickSize
	if pos.Side == string(SideSell) {
		exitPrice = price + r.config.TickSize
	}
	slippage := r.config.TickSize * r.config.PointValue * pos.Qty
	fees := 2 * r.config.FeePerSide * pos.Qty
	points := authority.ComputePnL(pos.EntryPrice, exitPrice, pos.Side, pos.Qty)
	pnl := points*r.config.PointValue - fees

	now := r.clk.Now()
	if err := r.trades.Close(ctx, pos.ID, exitPrice, now, reason, pnl, fees, slippage); err != nil {
		log.Error().Err(err).Str("trade_id", pos.ID).Msg("failed to close trade")
		// Restore the position so the next bar retries the close.
		r.mu.Lock()
		r.openPosition = pos
		r.mu.Unlock()
		return
	}

	log.Info().Str("bot_id", r.bot.ID).Str("reason", reason).
		Float64("pnl", pnl).Msg("closed paper position")

	if r.hooks.OnTradeClosed != nil {
		r.hooks.OnTradeClosed(r.bot.ID, r.instance.AccountID, reason, pnl)
	}

	balance, err := r.computedBalance(ctx)
	if err != nil {
		log.Error().Err(err).Str("bot_id", r.bot.ID).Msg("failed to recompute balance after close")
		return
	}
	if balance <= 0 && r.hooks.OnBalanceDepleted != nil {
		r.hooks.OnBalanceDepleted(r.instance.AccountID, r.attempt.ID, balance)
	}
}

// CloseForKillSwitch force-exits any open position at the freshest
// known price.
func (r *Runner) CloseForKillSwitch(ctx context.Context) {
	r.closeAtMark(ctx, persistence.ExitKillSwitch)
}

// closeAtMark exits any open position at the freshest known price,
// falling back to the entry price when no mark exists yet.
func (r *Runner) closeAtMark(ctx context.Context, reason string) {
	mark := r.marks.GetMark(r.bot.Symbol, r.config.Timeframe)
	price := mark.Price
	if price == 0 {
		r.mu.Lock()
		if r.openPosition != nil {
			price = r.openPosition.EntryPrice
		}
		r.mu.Unlock()
	}
	r.closeIfOpen(ctx, price, reason)
}

func (r *Runner) computedBalance(ctx context.Context) (float64, error) {
	pnl, err := r.trades.SumPnlByAttempt(ctx, r.attempt.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum attempt pnl: %w", err)
	}
	return r.attempt.StartingBalance + pnl, nil
}

// broadcast emits the live payload. Numeric fields are nulled whenever
// the mark is not fresh.
func (r *Runner) broadcast() {
	if r.publisher == nil {
		return
	}
	mark := r.marks.GetMark(r.bot.Symbol, r.config.Timeframe)

	r.mu.Lock()
	pos := r.openPosition
	frozen := r.dataFrozen
	session := r.sessionState
	r.mu.Unlock()

	payload := broadcast.LivePnl{
		BotID:        r.bot.ID,
		MarkFresh:    mark.Fresh(),
		SessionState: sessionToWire(session),
		IsSleeping:   session == SessionClosed,
	}

	switch {
	case frozen || !mark.Fresh():
		payload.RunnerState = broadcast.RunnerDataFrozen
		payload.ActivityState = broadcast.ActivityIdle
	case session == SessionClosed:
		payload.RunnerState = broadcast.RunnerMarketClosed
		payload.ActivityState = broadcast.ActivityMarketClosed
	case session == SessionMaintenance:
		payload.ActivityState = broadcast.ActivityMaintenance
		payload.RunnerState = broadcast.RunnerScanning
		if pos != nil {
			payload.RunnerState = broadcast.RunnerInTrade
		}
	case pos != nil:
		payload.RunnerState = broadcast.RunnerInTrade
		payload.ActivityState = broadcast.ActivityInTrade
	default:
		payload.RunnerState = broadcast.RunnerScanning
		payload.ActivityState = broadcast.ActivityScanning
	}

	if mark.Fresh() {
		ts := mark.Timestamp
		payload.MarkTimestamp = &ts
		price := mark.Price
		payload.CurrentPrice = &price
		if pos != nil {
			payload.LivePositionActive = true
			entry := pos.EntryPrice
			side := pos.Side
			qty := pos.Qty
			stop := pos.StopPrice
			target := pos.TargetPrice
			opened := pos.EntryTs
			upnl := authority.ComputePnL(entry, mark.Price, side, qty) * r.config.PointValue
			payload.EntryPrice = &entry
			payload.Side = &side
			payload.PositionQuantity = &qty
			payload.StopPrice = &stop
			payload.TargetPrice = &target
			payload.PositionOpenedAt = &opened
			payload.UnrealizedPnl = &upnl
		}
	}

	r.publisher.Publish("live_pnl", payload)
}

func sessionToWire(s SessionState) string {
	if s == SessionOpen {
		return "ACTIVE"
	}
	return string(s)
}

func (r *Runner) audit(ctx context.Context, eventType, severity string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	botID := r.bot.ID
	err := r.events.Append(ctx, persistence.Event{
		ID:        uuid.NewString(),
		BotID:     &botID,
		EventType: eventType,
		Severity:  severity,
		Payload:   payload,
		TraceID:   uuid.NewString(),
		CreatedAt: r.clk.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to append audit event")
	}
}
