package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/ensemble"
	"github.com/fleetrun/fleetrun/internal/gates"
	"github.com/fleetrun/fleetrun/internal/persistence"
	"github.com/fleetrun/fleetrun/internal/signal"
	"github.com/fleetrun/fleetrun/internal/signal/weights"
)

// RunnerControl is the fleet-control slice of the runner service.
type RunnerControl interface {
	StartBot(ctx context.Context, botID, accountID string) error
	StopBot(ctx context.Context, botID string) error
	KillSwitch(ctx context.Context, reason string) error
	ActiveBots() []string
}

// CacheControl drives the warm market-data cache.
type CacheControl interface {
	Refresh(ctx context.Context, symbol string, days int) error
	Stats() map[string]interface{}
}

// QueueStats reads lease-queue occupancy.
type QueueStats interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

// Voter runs one ensemble round.
type Voter interface {
	Decide(ctx context.Context, req ensemble.Request) *ensemble.Consensus
}

// SignalFuser runs one weighted bias-fusion round for a bot.
type SignalFuser interface {
	Fuse(ctx context.Context, botID string, inbound []signal.Inbound, samples []weights.BacktestSample) (signal.View, error)
}

// Server is the control-plane HTTP surface, mounted under /api/.
type Server struct {
	runners RunnerControl
	cache   CacheControl
	queue   QueueStats
	voter   Voter
	fuser   SignalFuser
	bots    persistence.BotsRepo
	gates   gates.Table

	router *mux.Router
}

// New builds the API router. Any nil dependency disables its routes
// with 501 rather than panicking, so partial processes (CLI utilities)
// can still mount the surface. A nil table means built-in graduation
// thresholds.
func New(runners RunnerControl, cache CacheControl, queue QueueStats, voter Voter, fuser SignalFuser, bots persistence.BotsRepo, table gates.Table) *Server {
	if table == nil {
		table = gates.Default()
	}
	s := &Server{runners: runners, cache: cache, queue: queue, voter: voter, fuser: fuser, bots: bots, gates: table}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/runners", s.handleListRunners).Methods(http.MethodGet)
	api.HandleFunc("/runners/{botID}/start", s.handleStartRunner).Methods(http.MethodPost)
	api.HandleFunc("/runners/{botID}/stop", s.handleStopRunner).Methods(http.MethodPost)
	api.HandleFunc("/killswitch", s.handleKillSwitch).Methods(http.MethodPost)
	api.HandleFunc("/cache/{symbol}/refresh", s.handleCacheRefresh).Methods(http.MethodPost)
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/bots/{botID}/graduation", s.handleGraduation).Methods(http.MethodGet)
	api.HandleFunc("/vote", s.handleVote).Methods(http.MethodPost)
	api.HandleFunc("/bots/{botID}/fusion", s.handleFusion).Methods(http.MethodPost)
	api.HandleFunc("/jobs/stats", s.handleJobStats).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write api response")
	}
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	if s.runners == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": s.runners.ActiveBots()})
}

func (s *Server) handleStartRunner(w http.ResponseWriter, r *http.Request) {
	if s.runners == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var body struct {
		AccountID string `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "accountId is required"})
		return
	}
	botID := mux.Vars(r)["botID"]
	if err := s.runners.StartBot(r.Context(), botID, body.AccountID); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "botId": botID})
}

func (s *Server) handleStopRunner(w http.ResponseWriter, r *http.Request) {
	if s.runners == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	botID := mux.Vars(r)["botID"]
	if err := s.runners.StopBot(r.Context(), botID); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "botId": botID})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if s.runners == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reason is required"})
		return
	}
	if err := s.runners.KillSwitch(r.Context(), body.Reason); err != nil {
		// Partial sweep: some instances could not be stopped cleanly.
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flattened"})
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be a positive integer"})
			return
		}
		days = parsed
	}
	symbol := mux.Vars(r)["symbol"]
	if err := s.cache.Refresh(r.Context(), symbol, days); err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "refreshed", "symbol": symbol, "days": days})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleGraduation(w http.ResponseWriter, r *http.Request) {
	if s.bots == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	botID := mux.Vars(r)["botID"]
	bot, err := s.bots.Get(r.Context(), botID)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}

	result := s.gates.Evaluate(metricsInputFromBot(bot))
	next, promotable := gates.NextStage(bot.Stage)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"botId":      botID,
		"result":     result,
		"nextStage":  next,
		"promotable": promotable && result.AllPassed,
	})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if s.voter == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var req ensemble.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	writeJSON(w, http.StatusOK, s.voter.Decide(r.Context(), req))
}

func (s *Server) handleFusion(w http.ResponseWriter, r *http.Request) {
	if s.fuser == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var body struct {
		Signals []signal.Inbound         `json:"signals"`
		Samples []weights.BacktestSample `json:"samples,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Signals) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signals is required"})
		return
	}
	view, err := s.fuser.Fuse(r.Context(), mux.Vars(r)["botID"], body.Signals, body.Samples)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// metricsInputFromBot reads the cached live-metrics snapshot into a
// graduation input. Missing keys read as zero, which fails gates
// closed.
func metricsInputFromBot(bot *persistence.Bot) gates.MetricsInput {
	m := bot.LiveMetrics
	return gates.MetricsInput{
		Stage:          bot.Stage,
		ClosedTrades:   int(num(m, "closedTrades")),
		WinRatePct:     num(m, "winRate"),
		MaxDrawdownPct: num(m, "maxDrawdownPct"),
		ProfitFactor:   num(m, "profitFactor"),
		ExpectancyUSD:  num(m, "expectancyUsd"),
		Sharpe:         num(m, "sharpe"),
		RealizedPnl:    num(m, "realizedPnl"),
		TradingDays:    int(num(m, "tradingDays")),
		HasLosers:      boolean(m, "hasLosers"),
		DataProof:      boolean(m, "dataProof"),
		WalkForward:    boolean(m, "walkForward"),
		OverfitRatio:   num(m, "overfitRatio"),
		StressTested:   boolean(m, "stressTested"),
		HumanApproved:  boolean(m, "humanApproved"),
	}
}

func num(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func boolean(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}
