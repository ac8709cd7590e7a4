package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthCheck probes one dependency; return an error to mark the
// component unhealthy.
type HealthCheck func(ctx context.Context) error

// Server exposes /metrics, /health, and the live-update websocket.
type Server struct {
	srv    *http.Server
	checks map[string]HealthCheck
}

// NewServer builds the telemetry HTTP surface. hub and api may be nil
// when the process has no broadcast or control surface (CLI one-shots).
func NewServer(addr string, m *Metrics, hub, api http.Handler, checks map[string]HealthCheck) *Server {
	s := &Server{checks: checks}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if hub != nil {
		r.Handle("/ws/live", hub)
	}
	if api != nil {
		r.PathPrefix("/api/").Handler(api)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("telemetry server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: map[string]string{}, CheckedAt: time.Now().UTC()}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}
