package weights

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
)

// Regime labels the market character inferred from recent backtests.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
	RegimeUnknown  Regime = "UNKNOWN"
)

// BacktestSample is one completed backtest's per-source performance.
type BacktestSample struct {
	BotID        string
	CompletedAt  time.Time
	WinRate      float64            // 0..1
	SourceScores map[string]float64 // source -> performance score
}

// Set is a normalized weight assignment with its provenance.
type Set struct {
	BotID      string             `json:"botId,omitempty"` // empty for the global default
	Weights    map[string]float64 `json:"weights"`
	Regime     Regime             `json:"regime"`
	SampleSize int                `json:"sampleSize"`
	ComputedAt time.Time          `json:"computedAt"`
}

// Config holds the recomputation parameters.
type Config struct {
	Lookback          time.Duration // samples older than this are ignored
	DecayPerDay       float64       // exponential time decay, default 0.95
	Floor             float64       // per-source minimum weight
	Ceiling           float64       // per-source maximum weight
	RebalanceInterval time.Duration // cached sets are reused within this window
	MaxIterations     int           // projection iteration cap
}

// DefaultConfig returns production weight parameters.
func DefaultConfig() Config {
	return Config{
		Lookback:          14 * 24 * time.Hour,
		DecayPerDay:       0.95,
		Floor:             0.05,
		Ceiling:           0.70,
		RebalanceInterval: time.Hour,
		MaxIterations:     10,
	}
}

// Engine recomputes and caches per-bot adaptive source weights.
type Engine struct {
	config Config
	clk    clock.Clock

	mu    sync.Mutex
	cache map[string]Set // botID (or "" for global) -> last computed set
}

// NewEngine creates a weights engine.
func NewEngine(config Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{config: config, clk: clk, cache: make(map[string]Set)}
}

// WeightsFor returns the cached set for botID when inside the rebalance
// interval, otherwise recomputes from samples. Pass botID="" for the
// global default.
func (e *Engine) WeightsFor(botID string, samples []BacktestSample, defaults map[string]float64) Set {
	now := e.clk.Now()

	e.mu.Lock()
	if cached, ok := e.cache[botID]; ok && now.Sub(cached.ComputedAt) < e.config.RebalanceInterval {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	set := e.Compute(botID, samples, defaults)

	e.mu.Lock()
	e.cache[botID] = set
	e.mu.Unlock()
	return set
}

// Invalidate drops the cached set for botID so the next read recomputes.
func (e *Engine) Invalidate(botID string) {
	e.mu.Lock()
	delete(e.cache, botID)
	e.mu.Unlock()
}

// Compute derives a fresh weight set: per-source raw score is the
// average decayed performance over the lookback window, normalized to
// sum to 1 and projected into [floor, ceiling].
func (e *Engine) Compute(botID string, samples []BacktestSample, defaults map[string]float64) Set {
	now := e.clk.Now()
	cutoff := now.Add(-e.config.Lookback)

	sums := make(map[string]float64)
	counts := make(map[string]int)
	var winRates []float64
	used := 0
	for _, sample := range samples {
		if sample.CompletedAt.Before(cutoff) {
			continue
		}
		used++
		winRates = append(winRates, sample.WinRate)
		ageDays := now.Sub(sample.CompletedAt).Hours() / 24
		decay := math.Pow(e.config.DecayPerDay, ageDays)
		for source, score := range sample.SourceScores {
			sums[source] += score * decay
			counts[source]++
		}
	}

	set := Set{
		BotID:      botID,
		Regime:     classifyRegime(winRates),
		SampleSize: used,
		ComputedAt: now,
	}

	if used == 0 || len(sums) == 0 {
		set.Weights = normalize(defaults, e.config.Floor, e.config.Ceiling, e.config.MaxIterations)
		log.Debug().Str("bot_id", botID).Msg("no usable backtests, falling back to default weights")
		return set
	}

	raw := make(map[string]float64, len(sums))
	for source, sum := range sums {
		avg := sum / float64(counts[source])
		// Shift scores positive so normalization stays well defined
		// when some sources score negative.
		raw[source] = math.Max(avg, 0) + 0.01
	}
	set.Weights = normalize(raw, e.config.Floor, e.config.Ceiling, e.config.MaxIterations)
	return set
}

// normalize scales weights to sum to 1 and projects them into
// [floor, ceiling]: clamp into bounds, then spread the deficit (or
// excess) across sources proportionally to their remaining headroom
// (or slack). Converges well inside the iteration cap whenever the
// bounds are feasible for the source count.
func normalize(raw map[string]float64, floor, ceiling float64, maxIterations int) map[string]float64 {
	out := make(map[string]float64, len(raw))
	if len(raw) == 0 {
		return out
	}
	n := float64(len(raw))
	if n*ceiling < 1 || n*floor > 1 {
		// Infeasible bounds for this source count; fall back to equal split.
		for source := range raw {
			out[source] = 1 / n
		}
		return out
	}

	var total float64
	for source, w := range raw {
		if w < 0 {
			w = 0
		}
		out[source] = w
		total += w
	}
	if total == 0 {
		for source := range out {
			out[source] = 1 / n
		}
		return out
	}
	for source := range out {
		out[source] = math.Min(math.Max(out[source]/total, floor), ceiling)
	}

	for iter := 0; iter < maxIterations; iter++ {
		sum := 0.0
		for _, w := range out {
			sum += w
		}
		diff := 1 - sum
		if math.Abs(diff) < 1e-9 {
			break
		}
		if diff > 0 {
			headroom := 0.0
			for _, w := range out {
				headroom += ceiling - w
			}
			if headroom <= 0 {
				break
			}
			for source, w := range out {
				out[source] = w + (ceiling-w)/headroom*diff
			}
		} else {
			slack := 0.0
			for _, w := range out {
				slack += w - floor
			}
			if slack <= 0 {
				break
			}
			for source, w := range out {
				out[source] = w + (w-floor)/slack*diff
			}
		}
	}
	return out
}

// classifyRegime labels the market from win-rate dispersion: stable high
// win rates read as trending, stable low as ranging, high dispersion as
// volatile.
func classifyRegime(winRates []float64) Regime {
	if len(winRates) < 3 {
		return RegimeUnknown
	}
	var sum float64
	for _, wr := range winRates {
		sum += wr
	}
	mean := sum / float64(len(winRates))
	var variance float64
	for _, wr := range winRates {
		variance += (wr - mean) * (wr - mean)
	}
	stddev := math.Sqrt(variance / float64(len(winRates)))

	switch {
	case stddev > 0.15:
		return RegimeVolatile
	case mean >= 0.5:
		return RegimeTrending
	default:
		return RegimeRanging
	}
}

// Sources returns the weight set's sources in descending weight order,
// ties broken by name for stable output.
func (s Set) Sources() []string {
	names := make([]string, 0, len(s.Weights))
	for name := range s.Weights {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.Weights[names[i]] != s.Weights[names[j]] {
			return s.Weights[names[i]] > s.Weights[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
