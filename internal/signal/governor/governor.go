package governor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

// Status is a source's standing with the governor.
type Status string

const (
	StatusEnabled   Status = "enabled"
	StatusDisabled  Status = "disabled"
	StatusProbation Status = "probation"
)

// DisableReason names why a source left the enabled set.
type DisableReason string

const (
	ReasonWeightAtFloor   DisableReason = "WEIGHT_AT_FLOOR"
	ReasonProviderOffline DisableReason = "PROVIDER_OFFLINE"
	ReasonPoorPerformance DisableReason = "POOR_PERFORMANCE"
	ReasonProbationFailed DisableReason = "PROBATION_FAILED"
)

// SourceHealth is one source's observed condition for a governor cycle.
type SourceHealth struct {
	Source        string
	Weight        float64
	Offline       bool
	Performance   float64 // cumulative perf score over recent backtests
	BacktestCount int
}

// Transition is one audited status change.
type Transition struct {
	Source string
	From   Status
	To     Status
	Reason string
}

// Config holds governor thresholds.
type Config struct {
	WeightFloor       float64       // weight at or below this counts a floor cycle
	FloorCycles       int           // consecutive floor cycles before disable
	PerfThreshold     float64       // disable when performance drops below this
	MinBacktests      int           // performance rule needs at least this many
	Cooldown          time.Duration // disabled -> probation after this
	ProbationDuration time.Duration // probation evaluation window
	MinEnabledSources int           // never disable below this many
}

// DefaultConfig returns production governor settings.
func DefaultConfig() Config {
	return Config{
		WeightFloor:       0.05,
		FloorCycles:       3,
		PerfThreshold:     -20,
		MinBacktests:      5,
		Cooldown:          4 * time.Hour,
		ProbationDuration: 2 * time.Hour,
		MinEnabledSources: 2,
	}
}

type sourceState struct {
	status         Status
	floorCycles    int
	disabledAt     time.Time
	probationStart time.Time
}

type botState struct {
	sources map[string]*sourceState
	// blockedLogged guards the guardrail log so a sustained block emits
	// exactly one line per block-cycle, not one per evaluation.
	blockedLogged bool
}

// Governor drives autonomous enable/disable/probation decisions for
// signal sources, per bot plus a global default (botID="").
type Governor struct {
	config Config
	events persistence.EventsRepo
	clk    clock.Clock

	mu   sync.Mutex
	bots map[string]*botState
}

// New creates a governor. events may be nil in tests.
func New(config Config, events persistence.EventsRepo, clk clock.Clock) *Governor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Governor{
		config: config,
		events: events,
		clk:    clk,
		bots:   make(map[string]*botState),
	}
}

// Evaluate runs one governor cycle for botID over the given source
// healths and returns the transitions it applied.
func (g *Governor) Evaluate(ctx context.Context, botID string, healths []SourceHealth) []Transition {
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	bot := g.bots[botID]
	if bot == nil {
		bot = &botState{sources: make(map[string]*sourceState)}
		g.bots[botID] = bot
	}
	for _, h := range healths {
		if _, ok := bot.sources[h.Source]; !ok {
			bot.sources[h.Source] = &sourceState{status: StatusEnabled}
		}
	}

	// Deterministic evaluation order.
	sorted := make([]SourceHealth, len(healths))
	copy(sorted, healths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	var transitions []Transition
	blockedThisCycle := false

	for _, h := range sorted {
		state := bot.sources[h.Source]
		switch state.status {
		case StatusEnabled:
			reason, wants := g.wantsDisable(state, h)
			if !wants {
				continue
			}
			if g.enabledCountLocked(bot) <= g.config.MinEnabledSources {
				blockedThisCycle = true
				if !bot.blockedLogged {
					log.Warn().Str("bot_id", botID).Str("source", h.Source).
						Str("reason", string(reason)).
						Int("min_enabled", g.config.MinEnabledSources).
						Msg("disable blocked by minimum enabled-source guardrail")
					bot.blockedLogged = true
				}
				continue
			}
			state.status = StatusDisabled
			state.disabledAt = now
			state.floorCycles = 0
			transitions = append(transitions, Transition{
				Source: h.Source, From: StatusEnabled, To: StatusDisabled, Reason: string(reason),
			})

		case StatusDisabled:
			if now.Sub(state.disabledAt) >= g.config.Cooldown {
				state.status = StatusProbation
				state.probationStart = now
				transitions = append(transitions, Transition{
					Source: h.Source, From: StatusDisabled, To: StatusProbation, Reason: "COOLDOWN_EXPIRED",
				})
			}

		case StatusProbation:
			if now.Sub(state.probationStart) < g.config.ProbationDuration {
				continue
			}
			if h.Performance >= 0 {
				state.status = StatusEnabled
				state.floorCycles = 0
				transitions = append(transitions, Transition{
					Source: h.Source, From: StatusProbation, To: StatusEnabled, Reason: "PROBATION_PASSED",
				})
			} else {
				state.status = StatusDisabled
				state.disabledAt = now
				transitions = append(transitions, Transition{
					Source: h.Source, From: StatusProbation, To: StatusDisabled, Reason: string(ReasonProbationFailed),
				})
			}
		}
	}

	if !blockedThisCycle {
		bot.blockedLogged = false
	}

	for _, tr := range transitions {
		g.audit(ctx, botID, tr, now)
	}
	return transitions
}

// wantsDisable applies the enabled→disabled rules and tracks the
// consecutive floor-cycle counter.
func (g *Governor) wantsDisable(state *sourceState, h SourceHealth) (DisableReason, bool) {
	if h.Offline {
		return ReasonProviderOffline, true
	}
	if h.BacktestCount >= g.config.MinBacktests && h.Performance < g.config.PerfThreshold {
		return ReasonPoorPerformance, true
	}
	if h.Weight <= g.config.WeightFloor {
		state.floorCycles++
		if state.floorCycles >= g.config.FloorCycles {
			return ReasonWeightAtFloor, true
		}
	} else {
		state.floorCycles = 0
	}
	return "", false
}

func (g *Governor) enabledCountLocked(bot *botState) int {
	count := 0
	for _, state := range bot.sources {
		if state.status == StatusEnabled {
			count++
		}
	}
	return count
}

// StatusOf returns the governed status of (botID, source); sources the
// governor has never seen are enabled.
func (g *Governor) StatusOf(botID, source string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bot := g.bots[botID]; bot != nil {
		if state, ok := bot.sources[source]; ok {
			return state.status
		}
	}
	return StatusEnabled
}

// EnabledSources returns botID's enabled sources in name order.
func (g *Governor) EnabledSources(botID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	bot := g.bots[botID]
	if bot == nil {
		return nil
	}
	var names []string
	for name, state := range bot.sources {
		if state.status == StatusEnabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (g *Governor) audit(ctx context.Context, botID string, tr Transition, now time.Time) {
	if g.events == nil {
		return
	}
	var botRef *string
	if botID != "" {
		botRef = &botID
	}
	err := g.events.Append(ctx, persistence.Event{
		ID:        uuid.NewString(),
		BotID:     botRef,
		EventType: "SOURCE_GOVERNOR_TRANSITION",
		Severity:  "INFO",
		Payload: map[string]interface{}{
			"source": tr.Source,
			"from":   string(tr.From),
			"to":     string(tr.To),
			"reason": tr.Reason,
		},
		TraceID:   uuid.NewString(),
		CreatedAt: now,
	})
	if err != nil {
		log.Error().Err(err).Str("source", tr.Source).
			Msg(fmt.Sprintf("failed to audit governor transition %s->%s", tr.From, tr.To))
	}
}
