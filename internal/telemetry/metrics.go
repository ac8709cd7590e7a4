package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide instrument set. One instance per process,
// registered on its own registry so tests never collide.
type Metrics struct {
	Registry *prometheus.Registry

	MarkFreshness   *prometheus.GaugeVec
	TradesOpened    *prometheus.CounterVec
	TradesClosed    *prometheus.CounterVec
	RealizedPnl     *prometheus.GaugeVec
	RunnersActive   prometheus.Gauge
	JobsByStatus    *prometheus.GaugeVec
	JobsProcessed   *prometheus.CounterVec
	VoteRounds      *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	AccountsBlown   prometheus.Counter
}

// NewMetrics builds and registers every instrument.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		MarkFreshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetrun_mark_freshness",
			Help: "Mark price freshness tier per symbol (0 unknown, 1 cache, 2 bar, 3 quote).",
		}, []string{"symbol"}),
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_trades_opened_total",
			Help: "Paper trades opened, per bot.",
		}, []string{"bot_id"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_trades_closed_total",
			Help: "Paper trades closed, per bot and exit reason.",
		}, []string{"bot_id", "reason"}),
		RealizedPnl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetrun_realized_pnl_usd",
			Help: "Realized PnL in USD, per bot. A gauge: paper PnL goes down too.",
		}, []string{"bot_id"}),
		RunnersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetrun_runners_active",
			Help: "Live paper runners in this process.",
		}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetrun_jobs",
			Help: "Jobs in the lease queue, per status.",
		}, []string{"status"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_jobs_processed_total",
			Help: "Jobs finished by this process, per type and outcome.",
		}, []string{"job_type", "status"}),
		VoteRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_vote_rounds_total",
			Help: "Ensemble vote rounds, per consensus decision.",
		}, []string{"decision"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetrun_provider_latency_seconds",
			Help:    "Vote provider round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		AccountsBlown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetrun_accounts_blown_total",
			Help: "Account attempts marked blown.",
		}),
	}

	reg.MustRegister(
		m.MarkFreshness, m.TradesOpened, m.TradesClosed, m.RealizedPnl,
		m.RunnersActive, m.JobsByStatus, m.JobsProcessed, m.VoteRounds,
		m.ProviderLatency, m.AccountsBlown,
	)
	return m
}
