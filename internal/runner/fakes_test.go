package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetrun/fleetrun/internal/broadcast"
	"github.com/fleetrun/fleetrun/internal/data/facade"
	"github.com/fleetrun/fleetrun/internal/data/router"
	"github.com/fleetrun/fleetrun/internal/market"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

type fakeBots struct {
	mu         sync.Mutex
	bots       map[string]*persistence.Bot
	instances  map[string]*persistence.BotInstance // keyed by botID
	stages     map[string]persistence.Stage
	metrics    map[string]map[string]interface{}
	heartbeats map[string]time.Time
}

func newFakeBots() *fakeBots {
	return &fakeBots{
		bots:       make(map[string]*persistence.Bot),
		instances:  make(map[string]*persistence.BotInstance),
		stages:     make(map[string]persistence.Stage),
		metrics:    make(map[string]map[string]interface{}),
		heartbeats: make(map[string]time.Time),
	}
}

func (f *fakeBots) Get(ctx context.Context, botID string) (*persistence.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bot := *f.bots[botID]
	return &bot, nil
}

func (f *fakeBots) ListByStage(ctx context.Context, stage persistence.Stage) ([]persistence.Bot, error) {
	return nil, nil
}

func (f *fakeBots) ListByAccount(ctx context.Context, accountID string) ([]persistence.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.Bot
	for botID, inst := range f.instances {
		if inst.AccountID == accountID {
			out = append(out, *f.bots[botID])
		}
	}
	return out, nil
}

func (f *fakeBots) UpdateStage(ctx context.Context, botID string, stage persistence.Stage, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[botID] = stage
	if bot, ok := f.bots[botID]; ok {
		bot.Stage = stage
		bot.StageReason = &reason
	}
	return nil
}

func (f *fakeBots) MergeStrategyConfig(ctx context.Context, botID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range fields {
		f.bots[botID].StrategyConfig[k] = v
	}
	return nil
}

func (f *fakeBots) UpdateLiveMetrics(ctx context.Context, botID string, metrics map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[botID] = metrics
	return nil
}

func (f *fakeBots) GetInstance(ctx context.Context, botID string) (*persistence.BotInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[botID]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeBots) ListRunningInstances(ctx context.Context) ([]persistence.BotInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.BotInstance
	for _, inst := range f.instances {
		if inst.State != persistence.RunnerStopped && inst.State != persistence.RunnerIdle {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (f *fakeBots) UpsertInstance(ctx context.Context, inst persistence.BotInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := inst
	f.instances[inst.BotID] = &cp
	return nil
}

func (f *fakeBots) UpdateInstanceState(ctx context.Context, instanceID string, state persistence.RunnerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		if inst.ID == instanceID {
			inst.State = state
		}
	}
	return nil
}

func (f *fakeBots) TouchInstanceHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[instanceID] = at
	return nil
}

func (f *fakeBots) ClearRecoveryFlags(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		if inst.AccountID == accountID {
			inst.AwaitingRecovery = false
			inst.ReadyForRestart = true
		}
	}
	return nil
}

func (f *fakeBots) instanceState(botID string) persistence.RunnerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[botID].State
}

type fakeTrades struct {
	mu          sync.Mutex
	trades      map[string]*persistence.PaperTrade
	fingerprint *persistence.PaperTrade
}

func newFakeTrades() *fakeTrades {
	return &fakeTrades{trades: make(map[string]*persistence.PaperTrade)}
}

func (f *fakeTrades) Insert(ctx context.Context, trade persistence.PaperTrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := trade
	f.trades[trade.ID] = &cp
	return nil
}

func (f *fakeTrades) Close(ctx context.Context, tradeID string, exitPrice float64, exitTs time.Time, reason string, pnl, fees, slippage float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := f.trades[tradeID]
	if tr == nil || tr.Status != persistence.TradeOpen {
		return nil
	}
	tr.Status = persistence.TradeClosed
	tr.ExitPrice = &exitPrice
	tr.ExitTs = &exitTs
	tr.ExitReasonCode = &reason
	tr.Pnl = pnl
	tr.Fees = fees
	tr.Slippage = slippage
	return nil
}

func (f *fakeTrades) OpenByBot(ctx context.Context, botID, attemptID string) ([]persistence.PaperTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.PaperTrade
	for _, tr := range f.trades {
		if tr.BotID == botID && tr.AccountAttemptID == attemptID && tr.Status == persistence.TradeOpen {
			out = append(out, *tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTs.Equal(out[j].EntryTs) {
			return out[i].EntryTs.After(out[j].EntryTs)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (f *fakeTrades) ClosedByAttempt(ctx context.Context, botID, attemptID string) ([]persistence.PaperTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.PaperTrade
	for _, tr := range f.trades {
		if tr.BotID == botID && tr.AccountAttemptID == attemptID && tr.Status == persistence.TradeClosed {
			out = append(out, *tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ExitTs, out[j].ExitTs
		switch {
		case ti == nil && tj != nil:
			return false
		case ti != nil && tj == nil:
			return true
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.Before(*tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeTrades) FindOpenFingerprint(ctx context.Context, symbol string, entryTs time.Time, entryPrice float64, side, excludeBotID string) (*persistence.PaperTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fingerprint != nil && f.fingerprint.BotID != excludeBotID {
		cp := *f.fingerprint
		return &cp, nil
	}
	for _, tr := range f.trades {
		if tr.Status == persistence.TradeOpen && tr.BotID != excludeBotID &&
			tr.Symbol == symbol && tr.EntryTs.Equal(entryTs) && tr.EntryPrice == entryPrice && tr.Side == side {
			cp := *tr
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTrades) SumPnlByAttempt(ctx context.Context, attemptID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	for _, tr := range f.trades {
		if tr.AccountAttemptID != attemptID || tr.Status != persistence.TradeClosed {
			continue
		}
		if tr.ExitReasonCode != nil && *tr.ExitReasonCode == persistence.ExitOrphanReconcile {
			continue
		}
		sum += tr.Pnl
	}
	return sum, nil
}

func (f *fakeTrades) get(id string) persistence.PaperTrade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.trades[id]
}

func (f *fakeTrades) byReason(reason string) []persistence.PaperTrade {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.PaperTrade
	for _, tr := range f.trades {
		if tr.ExitReasonCode != nil && *tr.ExitReasonCode == reason {
			out = append(out, *tr)
		}
	}
	return out
}

func (f *fakeTrades) open() []persistence.PaperTrade {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.PaperTrade
	for _, tr := range f.trades {
		if tr.Status == persistence.TradeOpen {
			out = append(out, *tr)
		}
	}
	return out
}

type fakeAccounts struct {
	mu       sync.Mutex
	account  persistence.Account
	attempt  persistence.AccountAttempt
	attempts []persistence.AccountAttempt
}

func (f *fakeAccounts) Get(ctx context.Context, accountID string) (*persistence.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.account
	return &cp, nil
}

func (f *fakeAccounts) ActiveAttempt(ctx context.Context, accountID string) (*persistence.AccountAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.attempt
	return &cp, nil
}

func (f *fakeAccounts) MarkAttemptBlown(ctx context.Context, attemptID, reason string, endingBalance float64, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt.ID == attemptID && f.attempt.Status == persistence.AttemptActive {
		f.attempt.Status = persistence.AttemptBlown
		f.attempt.BlownReason = &reason
		f.attempt.BlownAt = &at
		f.attempt.EndingBalance = &endingBalance
		f.account.ConsecutiveBlownCount++
		f.account.TotalBlownCount++
	}
	return f.account.ConsecutiveBlownCount, nil
}

func (f *fakeAccounts) ResetForNewAttempt(ctx context.Context, accountID string, startingBalance float64) (*persistence.AccountAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, f.attempt)
	f.account.CurrentAttemptNumber++
	f.account.ConsecutiveBlownCount = 0
	f.attempt = persistence.AccountAttempt{
		ID:              "attempt-" + time.Now().Format("150405.000000000"),
		AccountID:       accountID,
		AttemptNumber:   f.account.CurrentAttemptNumber,
		Status:          persistence.AttemptActive,
		StartingBalance: startingBalance,
		CreatedAt:       time.Now(),
	}
	cp := f.attempt
	return &cp, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []persistence.Event
}

func (f *fakeEvents) Append(ctx context.Context, event persistence.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEvents) ListByBot(ctx context.Context, botID string, limit int) ([]persistence.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.Event
	for _, ev := range f.events {
		if ev.BotID != nil && *ev.BotID == botID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvents) ofType(eventType string) []persistence.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.Event
	for _, ev := range f.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeMarks struct {
	mu   sync.Mutex
	mark market.Mark
}

func (f *fakeMarks) GetMark(symbol, tf string) market.Mark {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark
}

func (f *fakeMarks) set(mark market.Mark) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark = mark
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []broadcast.LivePnl
}

func (f *fakePublisher) Publish(messageType string, payload interface{}) {
	if pnl, ok := payload.(broadcast.LivePnl); ok {
		f.mu.Lock()
		f.payloads = append(f.payloads, pnl)
		f.mu.Unlock()
	}
}

func (f *fakePublisher) last() broadcast.LivePnl {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1]
}

type fakeStream struct {
	mu       sync.Mutex
	handlers map[string]func(market.Bar)
	controls []router.ControlHandler
	unsubbed int
}

func newFakeStream() *fakeStream {
	return &fakeStream{handlers: make(map[string]func(market.Bar))}
}

func (f *fakeStream) SubscribeBars(symbol, tf string, handler router.BarHandler) (func(), error) {
	f.mu.Lock()
	f.handlers[symbol+":"+tf] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubbed++
		f.mu.Unlock()
	}, nil
}

func (f *fakeStream) SubscribeControl(handler router.ControlHandler) {
	f.mu.Lock()
	f.controls = append(f.controls, handler)
	f.mu.Unlock()
}

func (f *fakeStream) emitControl(event router.RouterEventType, state router.SourceState) {
	f.mu.Lock()
	controls := append([]router.ControlHandler(nil), f.controls...)
	f.mu.Unlock()
	for _, h := range controls {
		h(event, state)
	}
}

type fakeBootstrap struct {
	bars []market.Bar
}

func (f *fakeBootstrap) GetBars(ctx context.Context, symbol string, opts facade.Opts) ([]market.Bar, error) {
	return f.bars, nil
}

type fakeWatcher struct {
	mu     sync.Mutex
	halted bool
	mark   market.Mark
	audits []string // "botID note", in persist order
}

func (f *fakeWatcher) ShouldHaltAutonomy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}

func (f *fakeWatcher) GetMark(symbol, tf string) market.Mark {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark
}

func (f *fakeWatcher) PersistFreshnessAudit(ctx context.Context, botID, symbol string, mark market.Mark, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, botID+" "+note)
	return nil
}

func (f *fakeWatcher) setHalted(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = v
}
