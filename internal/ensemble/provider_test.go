package ensemble

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewHTTPProvider(ProviderConfig{
		Name: "test", URL: srv.URL, APIKey: "key", RPS: 100,
	}, srv.Client())
	require.NoError(t, err)
	return p
}

func TestHTTPProviderParsesVote(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "MES", req.Symbol)

		json.NewEncoder(w).Encode(voteWire{Decision: "buy", Confidence: 0.82, Reasoning: "momentum"})
	})

	decision, conf, reasoning, err := p.Vote(context.Background(), Request{Symbol: "MES", Category: CategoryEntry})
	require.NoError(t, err)
	require.Equal(t, DecisionBuy, decision)
	require.Equal(t, 0.82, conf)
	require.Equal(t, "momentum", reasoning)
}

func TestHTTPProviderRejectsUnknownDecision(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(voteWire{Decision: "YOLO", Confidence: 0.9})
	})

	decision, _, _, err := p.Vote(context.Background(), Request{Symbol: "MES"})
	require.Error(t, err)
	require.Equal(t, DecisionAbstain, decision)
}

func TestHTTPProviderRejectsMalformedBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	})

	_, _, _, err := p.Vote(context.Background(), Request{Symbol: "MES"})
	require.Error(t, err)
}

func TestHTTPProviderNon200IsError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, _, err := p.Vote(context.Background(), Request{Symbol: "MES"})
	require.Error(t, err)
}

func TestMissingAPIKeyFailsClosed(t *testing.T) {
	_, err := NewHTTPProvider(ProviderConfig{Name: "naked", URL: "http://example.invalid"}, nil)
	require.Error(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		_, _, _, err := p.Vote(context.Background(), Request{Symbol: "MES"})
		require.Error(t, err)
	}

	// Circuit is now open: the next call fails without hitting the wire.
	_, _, _, err := p.Vote(context.Background(), Request{Symbol: "MES"})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}
