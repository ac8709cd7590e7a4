package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.TradesOpened.WithLabelValues("bot-1").Inc()
	m.RunnersActive.Set(3)

	s := NewServer(":0", m, nil, nil, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `fleetrun_trades_opened_total{bot_id="bot-1"} 1`)
	require.Contains(t, body, "fleetrun_runners_active 3")
}

func TestHealthReportsComponents(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	s := NewServer(":0", NewMetrics(), nil, nil, checks)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "degraded", resp.Status)
	require.Equal(t, "ok", resp.Components["postgres"])
	require.True(t, strings.Contains(resp.Components["redis"], "refused"))
}

func TestHealthAllGreen(t *testing.T) {
	s := NewServer(":0", NewMetrics(), nil, nil, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHubMountOptional(t *testing.T) {
	hub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	s := NewServer(":0", NewMetrics(), hub, nil, nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/live", nil))
	require.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}
