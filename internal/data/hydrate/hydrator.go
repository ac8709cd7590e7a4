package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fleetrun/fleetrun/internal/market"
)

// ErrorCode classifies hydration failures for the caller's retry policy.
type ErrorCode string

const (
	ErrTimeout     ErrorCode = "TIMEOUT"
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	ErrUpstream    ErrorCode = "UPSTREAM"
	ErrBadRequest  ErrorCode = "BAD_REQUEST"
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrMalformed   ErrorCode = "MALFORMED_RESPONSE"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
)

// Error is a structured hydration failure.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("hydrate %s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. 4xx-equivalents and
// open circuits are not retried.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrTimeout, ErrUpstream, ErrUnavailable:
		return true
	}
	return false
}

// Result carries fetched bars with the observed upstream latency.
type Result struct {
	Bars      []market.Bar
	LatencyMs int64
}

// Config holds hydrator settings.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

// DefaultConfig returns production hydrator settings.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		RequestTimeout: 15 * time.Second,
		RatePerSecond:  5,
		RateBurst:      10,
	}
}

// Hydrator fetches historical bars from the external data API. Calls are
// rate limited and guarded by a circuit breaker; fetches are idempotent so
// the caller may retry freely on transient codes.
type Hydrator struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *cb.CircuitBreaker
}

// New creates a hydrator.
func New(config Config) *Hydrator {
	st := cb.Settings{Name: "hydrator"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}

	return &Hydrator{
		config:  config,
		client:  &http.Client{Timeout: config.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RateBurst),
		breaker: cb.NewCircuitBreaker(st),
	}
}

type barsResponse struct {
	Bars []struct {
		Ts     int64   `json:"ts"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"bars"`
}

// Fetch retrieves bars for [start, end] at timeframe tf.
func (h *Hydrator) Fetch(ctx context.Context, symbol string, start, end time.Time, tf string) (*Result, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, &Error{Code: ErrTimeout, Err: err}
	}

	began := time.Now()
	out, err := h.breaker.Execute(func() (interface{}, error) {
		return h.fetchOnce(ctx, symbol, start, end, tf)
	})
	if err != nil {
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			return nil, &Error{Code: ErrCircuitOpen, Err: err}
		}
		var herr *Error
		if errors.As(err, &herr) {
			return nil, herr
		}
		return nil, &Error{Code: ErrUnavailable, Err: err}
	}

	bars := out.([]market.Bar)
	latency := time.Since(began).Milliseconds()
	log.Debug().Str("symbol", symbol).Str("timeframe", tf).
		Int("bars", len(bars)).Int64("latency_ms", latency).Msg("hydrated bars")

	return &Result{Bars: bars, LatencyMs: latency}, nil
}

func (h *Hydrator) fetchOnce(ctx context.Context, symbol string, start, end time.Time, tf string) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", tf)
	q.Set("start", fmt.Sprintf("%d", start.UnixMilli()))
	q.Set("end", fmt.Sprintf("%d", end.UnixMilli()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.config.BaseURL+"/v1/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Code: ErrBadRequest, Err: err}
	}
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Code: ErrTimeout, Err: err}
		}
		return nil, &Error{Code: ErrUnavailable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Code: ErrRateLimited, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &Error{Code: ErrUpstream, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &Error{Code: ErrBadRequest, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: ErrUnavailable, Err: err}
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Code: ErrMalformed, Err: err}
	}

	bars := make([]market.Bar, 0, len(parsed.Bars))
	for _, rb := range parsed.Bars {
		b := market.Bar{
			Symbol: symbol, Timeframe: tf, Ts: rb.Ts,
			Open: rb.Open, High: rb.High, Low: rb.Low, Close: rb.Close, Volume: rb.Volume,
		}
		if err := b.Validate(); err != nil {
			return nil, &Error{Code: ErrMalformed, Err: err}
		}
		bars = append(bars, b)
	}
	return bars, nil
}
