package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/data/router"
	"github.com/fleetrun/fleetrun/internal/market"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

// Stream is the live-data surface the service needs: bar subscriptions
// plus source-state control edges.
type Stream interface {
	BarSubscriber
	SubscribeControl(handler router.ControlHandler)
}

// AutonomyWatcher is the price-authority slice the supervisor polls:
// the process-wide stale check plus the per-bot audit trail written
// when the halt trips.
type AutonomyWatcher interface {
	ShouldHaltAutonomy() bool
	GetMark(symbol, tf string) market.Mark
	PersistFreshnessAudit(ctx context.Context, botID, symbol string, mark market.Mark, note string) error
}

// Service owns the fleet of paper runners: starting, stopping, control
// fan-out and the kill switch.
type Service struct {
	config    Config
	deps      Deps
	stream    Stream
	bootstrap BarBootstrapper

	mu             sync.Mutex
	runners        map[string]*Runner // botID -> runner
	autonomyHalted bool
}

// NewService creates the runner service and attaches to the stream's
// control events so DATA_FROZEN/DATA_RESUMED reach every runner.
func NewService(config Config, deps Deps, stream Stream, bootstrap BarBootstrapper) *Service {
	s := &Service{
		config:    config,
		deps:      deps,
		stream:    stream,
		bootstrap: bootstrap,
		runners:   make(map[string]*Runner),
	}
	if stream != nil {
		stream.SubscribeControl(func(event router.RouterEventType, _ router.SourceState) {
			s.fanOutControl(event)
		})
	}
	return s
}

func (s *Service) fanOutControl(event router.RouterEventType) {
	frozen := event == router.EventDataFrozen
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()
	for _, r := range runners {
		r.SetDataFrozen(frozen)
	}
}

// StartBot boots a paper runner for botID, creating the bot instance
// row when none exists yet. Fails closed while the autonomy watch has
// the fleet halted.
func (s *Service) StartBot(ctx context.Context, botID, accountID string) error {
	s.mu.Lock()
	if s.autonomyHalted {
		s.mu.Unlock()
		return fmt.Errorf("autonomy halted on stale data, refusing to start bot %s", botID)
	}
	if _, running := s.runners[botID]; running {
		s.mu.Unlock()
		return fmt.Errorf("bot %s already has a running paper runner", botID)
	}
	s.mu.Unlock()

	bot, err := s.deps.Bots.Get(ctx, botID)
	if err != nil {
		return fmt.Errorf("failed to load bot %s: %w", botID, err)
	}

	instance, err := s.deps.Bots.GetInstance(ctx, botID)
	if err != nil {
		return fmt.Errorf("failed to load instance for bot %s: %w", botID, err)
	}
	if instance == nil {
		instance = &persistence.BotInstance{
			ID:        uuid.NewString(),
			BotID:     botID,
			AccountID: accountID,
			State:     persistence.RunnerIdle,
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.deps.Bots.UpsertInstance(ctx, *instance); err != nil {
			return fmt.Errorf("failed to create instance for bot %s: %w", botID, err)
		}
	}

	r, err := NewRunner(s.config, bot, *instance, s.deps)
	if err != nil {
		return err
	}
	if err := r.Start(ctx, s.stream, s.bootstrap); err != nil {
		return err
	}

	s.mu.Lock()
	s.runners[botID] = r
	s.mu.Unlock()
	return nil
}

// StopBot stops botID's runner if one is active.
func (s *Service) StopBot(ctx context.Context, botID string) error {
	s.mu.Lock()
	r, ok := s.runners[botID]
	delete(s.runners, botID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running paper runner for bot %s", botID)
	}
	r.Stop(ctx)
	return nil
}

// StopAccount stops every runner attached to accountID; used by
// blown-account recovery.
func (s *Service) StopAccount(ctx context.Context, accountID string) []string {
	s.mu.Lock()
	var victims []*Runner
	for botID, r := range s.runners {
		if r.AccountID() == accountID {
			victims = append(victims, r)
			delete(s.runners, botID)
		}
	}
	s.mu.Unlock()

	var botIDs []string
	for _, r := range victims {
		r.Stop(ctx)
		botIDs = append(botIDs, r.BotID())
	}
	return botIDs
}

// ActiveBots returns the botIDs with live runners.
func (s *Service) ActiveBots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runners))
	for botID := range s.runners {
		ids = append(ids, botID)
	}
	return ids
}

// Runner returns the live runner for botID, if any.
func (s *Service) Runner(botID string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[botID]
	return r, ok
}

// AutonomyHalted reports whether the autonomy watch has new starts
// blocked.
func (s *Service) AutonomyHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autonomyHalted
}

// Supervise runs the clock-driven control loop until ctx is cancelled:
// per-runner session enforcement plus the autonomy watch. The watch is
// edge-triggered and one-directional; runners unfreeze on the router's
// DATA_RESUMED edge, never here. While halted the service only blocks
// new starts and leaves an audit trail.
func (s *Service) Supervise(ctx context.Context, watcher AutonomyWatcher, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.superviseOnce(ctx, watcher)
		}
	}
}

func (s *Service) superviseOnce(ctx context.Context, watcher AutonomyWatcher) {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.EnforceSession(ctx)
	}

	if watcher == nil {
		return
	}
	halted := watcher.ShouldHaltAutonomy()
	s.mu.Lock()
	changed := halted != s.autonomyHalted
	s.autonomyHalted = halted
	s.mu.Unlock()
	if !changed {
		return
	}

	if halted {
		log.Error().Int("active_runners", len(runners)).
			Msg("autonomy halted, every symbol is serving stale marks")
		for _, r := range runners {
			mark := watcher.GetMark(r.Symbol(), s.config.Timeframe)
			if err := watcher.PersistFreshnessAudit(ctx, r.BotID(), r.Symbol(), mark, "AUTONOMY_HALT"); err != nil {
				log.Warn().Err(err).Str("bot_id", r.BotID()).Msg("freshness audit write failed")
			}
		}
		s.auditAutonomy(ctx, "AUTONOMY_HALTED", "CRITICAL", len(runners))
		return
	}
	log.Info().Msg("autonomy resumed, fresh marks are back")
	s.auditAutonomy(ctx, "AUTONOMY_RESUMED", "INFO", len(runners))
}

func (s *Service) auditAutonomy(ctx context.Context, eventType, severity string, active int) {
	if s.deps.Events == nil {
		return
	}
	err := s.deps.Events.Append(ctx, persistence.Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Severity:  severity,
		Payload: map[string]interface{}{
			"active_runners": active,
		},
		TraceID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to audit autonomy edge")
	}
}

// KillSwitch flattens and stops every active runner, then sweeps the
// database for any instance still marked running. One audit event is
// emitted even when parts of the shutdown fail.
func (s *Service) KillSwitch(ctx context.Context, reason string) error {
	s.mu.Lock()
	active := make([]*Runner, 0, len(s.runners))
	for botID, r := range s.runners {
		active = append(active, r)
		delete(s.runners, botID)
	}
	s.mu.Unlock()

	var failures []string
	stopped := make([]string, 0, len(active))
	for _, r := range active {
		r.CloseForKillSwitch(ctx)
		r.Stop(ctx)
		stopped = append(stopped, r.BotID())
	}

	// Second phase: instances that claim to be running without a live
	// runner in this process (crash leftovers, other replicas).
	swept := 0
	instances, err := s.deps.Bots.ListRunningInstances(ctx)
	if err != nil {
		failures = append(failures, fmt.Sprintf("sweep query: %v", err))
	} else {
		for _, inst := range instances {
			if err := s.deps.Bots.UpdateInstanceState(ctx, inst.ID, persistence.RunnerStopped); err != nil {
				failures = append(failures, fmt.Sprintf("instance %s: %v", inst.ID, err))
				continue
			}
			swept++
		}
	}

	s.auditKillSwitch(ctx, reason, stopped, swept, failures)

	if len(failures) > 0 {
		return fmt.Errorf("kill switch completed with %d failures", len(failures))
	}
	log.Warn().Int("stopped", len(stopped)).Int("swept", swept).Str("reason", reason).
		Msg("kill switch executed")
	return nil
}

func (s *Service) auditKillSwitch(ctx context.Context, reason string, stopped []string, swept int, failures []string) {
	if s.deps.Events == nil {
		return
	}
	err := s.deps.Events.Append(ctx, persistence.Event{
		ID:        uuid.NewString(),
		EventType: "KILL_SWITCH",
		Severity:  "CRITICAL",
		Payload: map[string]interface{}{
			"reason":       reason,
			"stopped_bots": stopped,
			"swept_count":  swept,
			"failures":     failures,
			"partial":      len(failures) > 0,
		},
		TraceID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to audit kill switch")
	}
}
