package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetrun/fleetrun/internal/api"
	"github.com/fleetrun/fleetrun/internal/broadcast"
	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/config"
	"github.com/fleetrun/fleetrun/internal/data/authority"
	"github.com/fleetrun/fleetrun/internal/data/cold"
	"github.com/fleetrun/fleetrun/internal/data/facade"
	"github.com/fleetrun/fleetrun/internal/data/hydrate"
	"github.com/fleetrun/fleetrun/internal/data/router"
	"github.com/fleetrun/fleetrun/internal/data/ticks"
	"github.com/fleetrun/fleetrun/internal/data/warm"
	"github.com/fleetrun/fleetrun/internal/ensemble"
	"github.com/fleetrun/fleetrun/internal/gates"
	"github.com/fleetrun/fleetrun/internal/jobs"
	"github.com/fleetrun/fleetrun/internal/market"
	"github.com/fleetrun/fleetrun/internal/metrics"
	"github.com/fleetrun/fleetrun/internal/persistence"
	"github.com/fleetrun/fleetrun/internal/persistence/postgres"
	"github.com/fleetrun/fleetrun/internal/recovery"
	"github.com/fleetrun/fleetrun/internal/runner"
	sig "github.com/fleetrun/fleetrun/internal/signal"
	"github.com/fleetrun/fleetrun/internal/signal/fusion"
	"github.com/fleetrun/fleetrun/internal/signal/governor"
	"github.com/fleetrun/fleetrun/internal/signal/weights"
	"github.com/fleetrun/fleetrun/internal/telemetry"
	"github.com/fleetrun/fleetrun/internal/worker"
)

const repoTimeout = 10 * time.Second

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	botsRepo := postgres.NewBotsRepo(db, repoTimeout)
	tradesRepo := postgres.NewTradesRepo(db, repoTimeout)
	accountsRepo := postgres.NewAccountsRepo(db, repoTimeout)
	eventsRepo := postgres.NewEventsRepo(db, repoTimeout)
	queue := jobs.NewQueue(db)

	instruments := telemetry.NewMetrics()

	coldStore, err := cold.Open(cfg.Cache.ColdPath)
	if err != nil {
		return fmt.Errorf("failed to open cold store: %w", err)
	}
	defer coldStore.Close()

	hydrator := hydrate.New(hydrate.DefaultConfig(cfg.Feed.RestURL, cfg.Feed.APIKey))
	warmCfg := warm.DefaultConfig()
	warmCfg.Timeframe = cfg.Feed.Timeframe
	if cfg.Cache.MaxBars > 0 {
		warmCfg.MaxBarsPerSymbol = cfg.Cache.MaxBars
	}
	if cfg.Cache.RefreshEvery > 0 {
		warmCfg.StaleThreshold = cfg.Cache.RefreshEvery.Std()
	}
	warmCache := warm.New(warmCfg, coldStore, hydrator, rdb, clk, instruments.Registry)
	fac := facade.New(warmCache)

	feed := router.NewWSFeed(cfg.Feed.URL, cfg.Feed.APIKey)
	routerCfg := router.DefaultConfig()
	routerCfg.Timeframe = cfg.Feed.Timeframe
	rtr := router.New(routerCfg, feed, fac, clk, instruments.Registry)
	auth := authority.New(authority.DefaultConfig(), rtr, rtr, eventsRepo, clk)

	calendar, err := loadCalendar(cfg.Runner.HolidayCalendar)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub()
	defer hub.Close()

	// The recovery handler and runner service reference each other
	// through narrow seams: the service is the handler's stopper, and
	// the runner hook posts messages instead of calling recovery.
	var svc *runner.Service
	handler := recovery.NewHandler(accountsRepo, botsRepo, eventsRepo, queue,
		stopperFunc(func(ctx context.Context, accountID string) []string {
			return svc.StopAccount(ctx, accountID)
		}), clk)

	runnerCfg := runner.DefaultRunnerConfig()
	runnerCfg.Timeframe = cfg.Feed.Timeframe
	runnerCfg.TickSize = cfg.Runner.TickSize
	runnerCfg.PointValue = cfg.Runner.PointValue
	runnerCfg.FeePerSide = cfg.Runner.FeePerSide

	aggregator := metrics.NewAggregator(botsRepo, tradesRepo, accountsRepo)

	deps := runner.Deps{
		Bots:      botsRepo,
		Trades:    tradesRepo,
		Accounts:  accountsRepo,
		Events:    eventsRepo,
		Marks:     auth,
		Calendar:  calendar,
		Publisher: hub,
		Clock:     clk,
		Hooks: runner.Hooks{
			OnTradeOpened: func(botID string) {
				instruments.TradesOpened.WithLabelValues(botID).Inc()
			},
			OnTradeClosed: func(botID, accountID, reason string, pnl float64) {
				instruments.TradesClosed.WithLabelValues(botID, reason).Inc()
				// Recompute off the bar path; the runner must not wait
				// on a full ledger scan between bars.
				go func() {
					rctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
					defer cancel()
					snap, err := aggregator.Recompute(rctx, botID, accountID)
					if err != nil {
						log.Warn().Err(err).Str("bot_id", botID).Msg("post-close metrics recompute failed")
						return
					}
					instruments.RealizedPnl.WithLabelValues(botID).Set(snap.RealizedPnl)
				}()
			},
			OnBalanceDepleted: func(accountID, attemptID string, balance float64) {
				instruments.AccountsBlown.Inc()
				handler.Notify(recovery.Depletion{AccountID: accountID, AttemptID: attemptID, Balance: balance})
			},
		},
	}
	svc = runner.NewService(runnerCfg, deps, rtr, fac)

	pool := worker.NewPool(worker.DefaultConfig(), queue)
	pool.Register(recovery.JobTypeImproving, improvingHandler(aggregator, eventsRepo, clk, instruments))

	tracker := ensemble.NewAccuracyTracker()
	providers := make([]ensemble.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := ensemble.NewHTTPProvider(ensemble.ProviderConfig{
			Name: pc.Name, URL: pc.URL, APIKey: pc.APIKey,
			BaseWeight: pc.BaseWeight, RPS: pc.RPS,
		}, nil)
		if err != nil {
			return fmt.Errorf("vote provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}
	engine := ensemble.NewEngine(ensemble.DefaultConfig(), providers, tracker, clk)
	voter := instrumentedVoter{
		engine:  engine,
		rounds:  instruments.VoteRounds,
		latency: instruments.ProviderLatency,
	}

	fuserSvc := sig.NewService(
		fusion.New(fusion.DefaultConfig()),
		weights.NewEngine(weights.DefaultConfig(), clk),
		governor.New(governor.DefaultConfig(), eventsRepo, clk),
		clk,
	)

	gatesTable, err := loadGates(cfg.Runner.GatesTable)
	if err != nil {
		return err
	}

	apiServer := api.New(svc, warmCache, queue, voter, fuserSvc, botsRepo, gatesTable)
	checks := map[string]telemetry.HealthCheck{
		"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	httpServer := telemetry.NewServer(cfg.Telemetry.Addr, instruments, hub, apiServer, checks)

	ingestor := ticks.New(ticks.DefaultConfig(), ticks.NewRedisSink(rdb), clk, instruments.Registry)

	fac.PreWarm(ctx, cfg.Feed.Symbols)
	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start data router: %w", err)
	}
	ingestor.Start(ctx)
	defer ingestor.Stop()
	for _, symbol := range cfg.Feed.Symbols {
		if _, err := rtr.SubscribeQuotes(symbol, func(q market.QuoteTick) {
			ingestor.IngestQuote(ctx, q)
		}); err != nil {
			return fmt.Errorf("failed to subscribe quotes for %s: %w", symbol, err)
		}
	}
	go handler.Run(ctx)
	pool.Start(ctx)
	go svc.Supervise(ctx, auth, cfg.Runner.SessionCheckEvery.Std())
	go sampleGauges(ctx, instruments, svc, queue, auth, cfg.Feed.Symbols, cfg.Feed.Timeframe)
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	log.Info().Str("version", version).Strs("symbols", cfg.Feed.Symbols).Msg("fleetrun daemon up")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	pool.Stop()
	rtr.Stop()
	return nil
}

// stopperFunc adapts a closure to the recovery.RunnerStopper seam.
type stopperFunc func(ctx context.Context, accountID string) []string

func (f stopperFunc) StopAccount(ctx context.Context, accountID string) []string {
	return f(ctx, accountID)
}

// instrumentedVoter wraps the ensemble engine with round and provider
// latency instruments.
type instrumentedVoter struct {
	engine  *ensemble.Engine
	rounds  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func (v instrumentedVoter) Decide(ctx context.Context, req ensemble.Request) *ensemble.Consensus {
	cons := v.engine.Decide(ctx, req)
	v.rounds.WithLabelValues(string(cons.Decision)).Inc()
	for _, vote := range cons.Votes {
		v.latency.WithLabelValues(vote.Provider).Observe(vote.Latency.Seconds())
	}
	return cons
}

func loadCalendar(path string) (*runner.Calendar, error) {
	if path == "" {
		return runner.NewCalendar(nil)
	}
	return runner.LoadCalendar(path)
}

func loadGates(path string) (gates.Table, error) {
	if path == "" {
		return gates.Default(), nil
	}
	return gates.Load(path)
}

// sampleGauges polls the slow-moving gauges that have no event edge to
// hook: active runners, queue occupancy, per-symbol mark freshness.
func sampleGauges(ctx context.Context, instruments *telemetry.Metrics, svc *runner.Service, queue *jobs.Queue, auth *authority.Authority, symbols []string, tf string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			instruments.RunnersActive.Set(float64(len(svc.ActiveBots())))
			stats, err := queue.Stats(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("queue stats sample failed")
			} else {
				for status, n := range stats {
					instruments.JobsByStatus.WithLabelValues(status).Set(float64(n))
				}
			}
			for _, symbol := range symbols {
				instruments.MarkFreshness.WithLabelValues(symbol).Set(freshnessTier(auth.GetMark(symbol, tf)))
			}
		}
	}
}

// freshnessTier maps a mark source to the published scale: 0 unknown,
// 1 cache, 2 bar, 3 quote.
func freshnessTier(mark market.Mark) float64 {
	switch mark.Source {
	case market.MarkFromQuote:
		return 3
	case market.MarkFromBar:
		return 2
	case market.MarkFromCache:
		return 1
	}
	return 0
}

// improvingHandler is the worker-side half of blown-account recovery:
// it rebuilds the bot's metric snapshot from the ledger and records
// that an improvement pass ran. Strategy mutation itself happens in the
// offline evolution pipeline.
func improvingHandler(agg *metrics.Aggregator, events persistence.EventsRepo, clk clock.Clock, instruments *telemetry.Metrics) worker.HandlerFunc {
	return func(ctx context.Context, job *persistence.Job) error {
		if job.BotID == nil {
			return fmt.Errorf("improving job %s has no bot", job.ID)
		}
		accountID, _ := job.Payload["account_id"].(string)
		if accountID == "" {
			return fmt.Errorf("improving job %s has no account_id", job.ID)
		}

		snap, err := agg.Recompute(ctx, *job.BotID, accountID)
		if err != nil {
			instruments.JobsProcessed.WithLabelValues(job.JobType, "failed").Inc()
			return err
		}
		instruments.JobsProcessed.WithLabelValues(job.JobType, "done").Inc()

		return events.Append(ctx, persistence.Event{
			ID:        uuid.NewString(),
			BotID:     job.BotID,
			EventType: "IMPROVEMENT_PASS",
			Severity:  "INFO",
			Payload: map[string]interface{}{
				"job_id":        job.ID,
				"closed_trades": snap.ClosedTrades,
				"realized_pnl":  snap.RealizedPnl,
			},
			TraceID:   job.ID,
			CreatedAt: clk.Now(),
		})
	}
}
