package tests

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccrelay/ccrelay/internal/agent"
	"github.com/ccrelay/ccrelay/internal/breaker"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/handlers"
	"github.com/ccrelay/ccrelay/internal/metrics"
	"github.com/ccrelay/ccrelay/internal/session"
	"github.com/ccrelay/ccrelay/internal/tokencount"
	"github.com/ccrelay/ccrelay/internal/transform"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// TestProxyIntegration drives the full pipeline (route -> transform ->
// dispatch -> transform) against a fake Anthropic-shaped upstream, in
// place of the old test's direct call against the real openrouter.ai
// endpoint.
func TestProxyIntegration(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-provider-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"hi"}],"model":"test-model","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer upstreamSrv.Close()

	cfg := &config.Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []config.Provider{
			{
				Name:    "anthropic",
				APIBase: upstreamSrv.URL,
				APIKey:  "test-provider-key",
				Models:  []string{"test-model"},
			},
		},
		Router: config.RouterConfig{
			Default: "anthropic,test-model",
		},
	}

	tmpDir := t.TempDir()
	cfgMgr := config.NewManager(tmpDir)
	require.NoError(t, cfgMgr.Save(cfg))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	counter, err := tokencount.New()
	require.NoError(t, err)

	handler := handlers.NewProxyHandler(
		cfgMgr,
		transform.NewRegistry(),
		upstream.New(upstreamSrv.Client(), breaker.NewStore(breaker.DefaultConfig())),
		breaker.NewStore(breaker.DefaultConfig()),
		counter,
		nil,
		agent.NewRegistry(agent.NewSystemAgent(tmpDir)),
		session.New(0),
		metrics.New(),
		logger,
	)

	requestBody := map[string]any{
		"model": "test-model",
		"messages": []map[string]any{
			{"role": "user", "content": "Hello, world!"},
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-key")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	assert.Equal(t, "msg_1", decoded["id"])
}

func TestProxyIntegrationUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Host: "127.0.0.1",
		Port: 8080,
		Router: config.RouterConfig{
			Default: "nonexistent,test-model",
		},
	}

	tmpDir := t.TempDir()
	cfgMgr := config.NewManager(tmpDir)
	require.NoError(t, cfgMgr.Save(cfg))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	counter, err := tokencount.New()
	require.NoError(t, err)

	handler := handlers.NewProxyHandler(
		cfgMgr,
		transform.NewRegistry(),
		upstream.New(http.DefaultClient, breaker.NewStore(breaker.DefaultConfig())),
		breaker.NewStore(breaker.DefaultConfig()),
		counter,
		nil,
		agent.NewRegistry(agent.NewSystemAgent(tmpDir)),
		session.New(0),
		metrics.New(),
		logger,
	)

	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader([]byte(`{"model":"test-model","messages":[]}`)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
