package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig(baseURL, "test-key")
	cfg.RequestTimeout = 2 * time.Second
	cfg.RatePerSecond = 1000
	cfg.RateBurst = 1000
	return cfg
}

func barsJSON(n int) string {
	type bar struct {
		Ts     int64   `json:"ts"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	}
	out := struct {
		Bars []bar `json:"bars"`
	}{}
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < n; i++ {
		out.Bars = append(out.Bars, bar{
			Ts: base + int64(i)*60_000, Open: 5000, High: 5002, Low: 4999, Close: 5001, Volume: 100,
		})
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func TestFetchParsesBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "MES", r.URL.Query().Get("symbol"))
		require.Equal(t, "1m", r.URL.Query().Get("timeframe"))
		fmt.Fprint(w, barsJSON(3))
	}))
	defer srv.Close()

	h := New(testConfig(srv.URL))
	res, err := h.Fetch(context.Background(), "MES", time.Now().Add(-time.Hour), time.Now(), "1m")
	require.NoError(t, err)
	require.Len(t, res.Bars, 3)
	require.Equal(t, "MES", res.Bars[0].Symbol)
	require.Equal(t, "1m", res.Bars[0].Timeframe)
	require.Equal(t, 5001.0, res.Bars[0].Close)
}

func TestFetchErrorCodes(t *testing.T) {
	for _, tc := range []struct {
		name      string
		status    int
		code      ErrorCode
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited, false},
		{"upstream", http.StatusBadGateway, ErrUpstream, true},
		{"bad request", http.StatusBadRequest, ErrBadRequest, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			h := New(testConfig(srv.URL))
			_, err := h.Fetch(context.Background(), "MES", time.Now().Add(-time.Hour), time.Now(), "1m")
			var herr *Error
			require.ErrorAs(t, err, &herr)
			require.Equal(t, tc.code, herr.Code)
			require.Equal(t, tc.retryable, herr.Retryable())
		})
	}
}

func TestFetchRejectsMalformedBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// High below close: fails OHLC validation.
		fmt.Fprint(w, `{"bars":[{"ts":1,"open":5000,"high":4990,"low":4980,"close":5001,"volume":10}]}`)
	}))
	defer srv.Close()

	h := New(testConfig(srv.URL))
	_, err := h.Fetch(context.Background(), "MES", time.Now().Add(-time.Hour), time.Now(), "1m")
	var herr *Error
	require.ErrorAs(t, err, &herr)
	require.Equal(t, ErrMalformed, herr.Code)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := New(testConfig(srv.URL))
	var herr *Error
	for i := 0; i < 3; i++ {
		_, err := h.Fetch(context.Background(), "MES", time.Now().Add(-time.Hour), time.Now(), "1m")
		require.ErrorAs(t, err, &herr)
		require.Equal(t, ErrUpstream, herr.Code)
	}

	_, err := h.Fetch(context.Background(), "MES", time.Now().Add(-time.Hour), time.Now(), "1m")
	require.ErrorAs(t, err, &herr)
	require.Equal(t, ErrCircuitOpen, herr.Code)
	require.False(t, herr.Retryable())
}
