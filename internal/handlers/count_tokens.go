package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ccrelay/ccrelay/internal/apierr"
	"github.com/ccrelay/ccrelay/internal/tokencount"
)

// CountTokensHandler serves POST /v1/messages/count_tokens: the same
// deterministic count the routing decider uses for its long-context
// threshold, exposed directly so a client can estimate before sending.
type CountTokensHandler struct {
	counter *tokencount.Counter
	logger  *slog.Logger
}

func NewCountTokensHandler(counter *tokencount.Counter, logger *slog.Logger) *CountTokensHandler {
	return &CountTokensHandler{counter: counter, logger: logger}
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

func (h *CountTokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "failed to read request body"))
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "invalid JSON request body"))
		return
	}

	if h.counter == nil {
		writeAPIError(w, apierr.New(apierr.KindInternal, "token counter unavailable"))
		return
	}

	resp := countTokensResponse{InputTokens: h.counter.CountRequest(body)}
	data, err := json.Marshal(resp)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindInternal, err, "failed to encode response"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
