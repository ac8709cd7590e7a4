package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/market"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

// QuoteSource supplies the most recent quote tick per symbol.
type QuoteSource interface {
	LatestQuote(symbol string) (market.QuoteTick, bool)
}

// BarSource supplies the latest live bar and the warm-cache tail.
type BarSource interface {
	LatestBar(symbol, tf string) (market.Bar, bool)
	CacheTail(symbol string) (market.Bar, bool)
}

// Config holds freshness thresholds.
type Config struct {
	QuoteFreshFor time.Duration // default 30s
	BarIntervals  int           // bars fresh within N bar-intervals, default 2
	// HaltAfter is how long the source may stay degraded before
	// autonomous operation is halted.
	HaltAfter time.Duration
}

// DefaultConfig returns production freshness thresholds.
func DefaultConfig() Config {
	return Config{
		QuoteFreshFor: 30 * time.Second,
		BarIntervals:  2,
		HaltAfter:     10 * time.Minute,
	}
}

// Authority is the single source of truth for the freshest mark. Display
// and execution must both consult it so they always share one verdict.
type Authority struct {
	config Config
	quotes QuoteSource
	bars   BarSource
	events persistence.EventsRepo
	clk    clock.Clock

	mu            sync.Mutex
	degradedSince map[string]time.Time
}

// New creates a price authority. events may be nil in tests.
func New(config Config, quotes QuoteSource, bars BarSource, events persistence.EventsRepo, clk clock.Clock) *Authority {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authority{
		config:        config,
		quotes:        quotes,
		bars:          bars,
		events:        events,
		clk:           clk,
		degradedSince: make(map[string]time.Time),
	}
}

// GetMark resolves the freshest mark for (symbol, tf): most recent quote,
// else latest bar close, else warm-cache tail, else UNKNOWN.
func (a *Authority) GetMark(symbol, tf string) market.Mark {
	now := a.clk.Now()

	if a.quotes != nil {
		if q, ok := a.quotes.LatestQuote(symbol); ok {
			ts := time.Unix(0, q.TsNs)
			age := now.Sub(ts)
			mark := market.Mark{
				Price:     q.Mid(),
				Timestamp: ts,
				Source:    market.MarkFromQuote,
				Status:    market.MarkStale,
				Age:       age,
			}
			if age <= a.config.QuoteFreshFor {
				mark.Status = market.MarkFresh
				a.noteHealthy(symbol)
				return mark
			}
			// A stale quote still beats falling through when no newer
			// bar exists; try bars first.
			if barMark, ok := a.barMark(symbol, tf, now); ok && barMark.Timestamp.After(ts) {
				a.noteVerdict(symbol, now, barMark.Status)
				return barMark
			}
			a.noteVerdict(symbol, now, mark.Status)
			return mark
		}
	}

	if mark, ok := a.barMark(symbol, tf, now); ok {
		a.noteVerdict(symbol, now, mark.Status)
		return mark
	}

	a.noteVerdict(symbol, now, market.MarkUnknown)
	return market.Mark{Source: market.MarkFromNone, Status: market.MarkUnknown}
}

func (a *Authority) barMark(symbol, tf string, now time.Time) (market.Mark, bool) {
	interval, err := market.TimeframeDuration(tf)
	if err != nil {
		interval = time.Minute
	}
	freshFor := time.Duration(a.config.BarIntervals) * interval

	if a.bars != nil {
		if b, ok := a.bars.LatestBar(symbol, tf); ok {
			age := now.Sub(b.Time())
			mark := market.Mark{
				Price:     b.Close,
				Timestamp: b.Time(),
				Source:    market.MarkFromBar,
				Status:    market.MarkStale,
				Age:       age,
			}
			if age <= freshFor {
				mark.Status = market.MarkFresh
			}
			return mark, true
		}
		if b, ok := a.bars.CacheTail(symbol); ok {
			age := now.Sub(b.Time())
			mark := market.Mark{
				Price:     b.Close,
				Timestamp: b.Time(),
				Source:    market.MarkFromCache,
				Status:    market.MarkStale,
				Age:       age,
			}
			if age <= freshFor {
				mark.Status = market.MarkFresh
			}
			return mark, true
		}
	}
	return market.Mark{}, false
}

func (a *Authority) noteVerdict(symbol string, now time.Time, status market.MarkStatus) {
	if status == market.MarkFresh {
		a.noteHealthy(symbol)
		return
	}
	a.mu.Lock()
	if _, ok := a.degradedSince[symbol]; !ok {
		a.degradedSince[symbol] = now
	}
	a.mu.Unlock()
}

func (a *Authority) noteHealthy(symbol string) {
	a.mu.Lock()
	delete(a.degradedSince, symbol)
	a.mu.Unlock()
}

// FreezeVerdict is the trading-freeze decision with its mark.
type FreezeVerdict struct {
	Frozen bool        `json:"frozen"`
	Reason string      `json:"reason,omitempty"`
	Mark   market.Mark `json:"mark"`
}

// ShouldFreezeTrading freezes whenever the mark is not FRESH.
func (a *Authority) ShouldFreezeTrading(symbol, tf string) FreezeVerdict {
	mark := a.GetMark(symbol, tf)
	if mark.Fresh() {
		return FreezeVerdict{Frozen: false, Mark: mark}
	}
	reason := fmt.Sprintf("mark is %s (source=%s, age=%s)", mark.Status, mark.Source, mark.Age.Round(time.Millisecond))
	return FreezeVerdict{Frozen: true, Reason: reason, Mark: mark}
}

// ShouldHaltAutonomy reports whether any symbol's data source has been
// degraded beyond the configured window.
func (a *Authority) ShouldHaltAutonomy() bool {
	now := a.clk.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for symbol, since := range a.degradedSince {
		if now.Sub(since) > a.config.HaltAfter {
			log.Error().Str("symbol", symbol).Time("degraded_since", since).
				Msg("data degraded beyond halt window")
			return true
		}
	}
	return false
}

// ComputePnL returns position P&L in price points times qty: positive
// when a BUY gains on a rising mark, mirrored for SELL.
func ComputePnL(entry, mark float64, side string, qty float64) float64 {
	diff := mark - entry
	if side == "SELL" {
		diff = -diff
	}
	return diff * qty
}

// PersistFreshnessAudit appends one freshness decision to the audit
// trail.
func (a *Authority) PersistFreshnessAudit(ctx context.Context, botID, symbol string, mark market.Mark, note string) error {
	if a.events == nil {
		return nil
	}
	err := a.events.Append(ctx, persistence.Event{
		ID:        uuid.NewString(),
		BotID:     &botID,
		EventType: "FRESHNESS_VERDICT",
		Severity:  "INFO",
		Payload: map[string]interface{}{
			"symbol":  symbol,
			"price":   mark.Price,
			"source":  string(mark.Source),
			"status":  string(mark.Status),
			"age_ms":  mark.Age.Milliseconds(),
			"context": note,
		},
		TraceID:   uuid.NewString(),
		CreatedAt: a.clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist freshness audit: %w", err)
	}
	return nil
}
