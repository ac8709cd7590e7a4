package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ProviderConfig describes one remote vote endpoint.
type ProviderConfig struct {
	Name       string  `yaml:"name"`
	URL        string  `yaml:"url"`
	APIKey     string  `yaml:"api_key"`
	BaseWeight float64 `yaml:"base_weight"`
	RPS        float64 `yaml:"rps"`
}

// HTTPProvider asks a chat-completion-style endpoint for a vote. The
// endpoint answers a single JSON object {decision, confidence,
// reasoning}; anything else is an error, which the engine downgrades to
// ABSTAIN.
type HTTPProvider struct {
	cfg     ProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPProvider builds a provider with its own breaker and rate
// limiter. A required provider with no API key is a configuration
// error; refuse to construct rather than vote garbage later.
func NewHTTPProvider(cfg ProviderConfig, client *http.Client) (*HTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s has no API key configured", cfg.Name)
	}
	if cfg.BaseWeight <= 0 {
		cfg.BaseWeight = 1.0
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 1.0
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &HTTPProvider{
		cfg:    cfg,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
	}, nil
}

func (p *HTTPProvider) Name() string        { return p.cfg.Name }
func (p *HTTPProvider) BaseWeight() float64 { return p.cfg.BaseWeight }

type voteWire struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Vote posts the request and parses the single-object answer.
func (p *HTTPProvider) Vote(ctx context.Context, req Request) (Decision, float64, string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return DecisionAbstain, 0, "", fmt.Errorf("rate limit wait for %s: %w", p.cfg.Name, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return DecisionAbstain, 0, "", fmt.Errorf("failed to encode vote request: %w", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider %s returned status %d", p.cfg.Name, resp.StatusCode)
		}

		var wire voteWire
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("provider %s returned malformed vote: %w", p.cfg.Name, err)
		}
		return wire, nil
	})
	if err != nil {
		return DecisionAbstain, 0, "", err
	}

	wire := result.(voteWire)
	decision := Decision(strings.ToUpper(strings.TrimSpace(wire.Decision)))
	switch decision {
	case DecisionBuy, DecisionSell, DecisionHold, DecisionAbstain:
	default:
		return DecisionAbstain, 0, "", fmt.Errorf("provider %s voted unknown decision %q", p.cfg.Name, wire.Decision)
	}
	return decision, wire.Confidence, wire.Reasoning, nil
}
