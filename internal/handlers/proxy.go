package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ccrelay/ccrelay/internal/agent"
	"github.com/ccrelay/ccrelay/internal/apierr"
	"github.com/ccrelay/ccrelay/internal/breaker"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/metrics"
	"github.com/ccrelay/ccrelay/internal/router"
	"github.com/ccrelay/ccrelay/internal/session"
	"github.com/ccrelay/ccrelay/internal/sse"
	"github.com/ccrelay/ccrelay/internal/tokencount"
	"github.com/ccrelay/ccrelay/internal/transform"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// ProxyHandler composes the full request pipeline: decide a route,
// transform the body into the provider's dialect, dispatch upstream, and
// transform the response back into Anthropic shape, splicing in any
// agent-owned tool calls along the way. Generalizes the teacher's
// monolithic ServeHTTP into a sequence of independently-testable stages.
type ProxyHandler struct {
	config       *config.Manager
	transformers *transform.Registry
	dispatcher   *upstream.Dispatcher
	breakers     *breaker.Store
	decider      *router.Decider
	agents       *agent.Registry
	sessions     *session.Cache
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewProxyHandler(
	cfgManager *config.Manager,
	transformers *transform.Registry,
	dispatcher *upstream.Dispatcher,
	breakers *breaker.Store,
	counter *tokencount.Counter,
	customRouter router.CustomRouter,
	agents *agent.Registry,
	sessions *session.Cache,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		config:       cfgManager,
		transformers: transformers,
		dispatcher:   dispatcher,
		breakers:     breakers,
		decider:      router.New(counter, breakers, customRouter),
		agents:       agents,
		sessions:     sessions,
		metrics:      m,
		logger:       logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := h.config.Get()

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "failed to read request body"))
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "invalid JSON request body"))
		return
	}

	if h.agents != nil {
		if toolNames := requestedToolNames(body); h.agents.HasAgentTools(toolNames) {
			appendAgentToolDefs(body, h.agents)
		}
	}

	sessionID := extractSessionID(body)
	originalBody := body

	decision := h.decider.Decide(body, cfg.Router, cfg.Providers)

	providerCfg, err := h.findProviderConfig(decision.Provider, cfg)
	if err != nil {
		h.writeError(w, err)
		return
	}

	pipeline, err := h.buildPipeline(*providerCfg, decision.Model)
	if err != nil {
		h.writeError(w, apierr.WithProvider(apierr.Wrap(apierr.KindTransform, err, "failed to build transformer pipeline"), providerCfg.Name, decision.Model))
		return
	}

	stream, _ := body["stream"].(bool)

	req := &transform.Request{Body: body, Headers: headerMap(r.Header), Stream: stream, BaseURL: providerCfg.APIBase, Model: decision.Model}
	req, err = pipeline.RequestIn(ctx, req)
	if err != nil {
		h.writeError(w, apierr.WithProvider(apierr.Wrap(apierr.KindTransform, err, "request transform failed"), providerCfg.Name, decision.Model))
		return
	}

	finalBody, err := json.Marshal(req.Body)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, err, "failed to encode transformed request"))
		return
	}

	endpoint := providerCfg.APIBase
	if req.EndpointOverride != "" {
		endpoint = req.EndpointOverride
	}

	upstreamReq, err := upstream.BuildRequest(ctx, r.Method, endpoint, finalBody, req.Headers, *providerCfg)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, err, "failed to build upstream request"))
		return
	}

	h.logger.Info("Proxying request", "provider", providerCfg.Name, "model", decision.Model, "slot", decision.Slot, "tokens", decision.Tokens, "stream", stream)

	start := time.Now()
	result, err := h.dispatcher.Send(ctx, providerCfg.Name, upstreamReq, finalBody)
	if h.metrics != nil {
		h.metrics.UpstreamDuration.WithLabelValues(providerCfg.Name, decision.Model).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer result.Body.Close()

	if result.Streaming {
		h.handleStreaming(ctx, w, result, pipeline, providerCfg, originalBody, sessionID)
	} else {
		h.handleBuffered(ctx, w, result, pipeline, providerCfg, sessionID)
	}
}

func (h *ProxyHandler) handleBuffered(ctx context.Context, w http.ResponseWriter, result *upstream.Result, pipeline *transform.Pipeline, providerCfg *config.Provider, sessionID string) {
	respBody, err := io.ReadAll(result.Body)
	if err != nil {
		h.writeError(w, apierr.WithProvider(apierr.Wrap(apierr.KindUpstream, err, "failed to read upstream response"), providerCfg.Name, ""))
		return
	}

	finalBody := respBody
	if result.StatusCode == http.StatusOK {
		transformed, err := pipeline.ResponseOut(ctx, respBody, nil)
		if err != nil {
			h.logger.Warn("Response transformation failed, forwarding original", "error", err)
		} else {
			finalBody = transformed
		}
	}

	h.accumulateBufferedUsage(sessionID, finalBody)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(finalBody)
}

func (h *ProxyHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, result *upstream.Result, pipeline *transform.Pipeline, providerCfg *config.Provider, originalBody map[string]any, sessionID string) {
	if h.metrics != nil {
		h.metrics.ActiveStreams.Inc()
		defer h.metrics.ActiveStreams.Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(result.StatusCode)
	flusher, _ := w.(http.Flusher)

	if result.StatusCode != http.StatusOK {
		io.Copy(w, result.Body)
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	states := pipeline.NewStreamStates()
	istate := agent.NewInterceptorState(originalBody)
	continuer := h.newContinuer()
	interceptor := agent.NewInterceptor(h.agents, continuer, providerCfg.AutoApprove)

	parser := sse.NewParser(result.Body)
	for {
		frame, err := parser.Next()
		if err != nil {
			if err != io.EOF {
				h.logger.Error("SSE parse error", "error", err)
			}
			break
		}
		if frame.Done {
			break
		}

		out, err := pipeline.ResponseOut(ctx, []byte(frame.Data), states)
		if err != nil {
			h.logger.Warn("Stream chunk transform failed, forwarding raw", "error", err)
			out = []byte(frame.Data)
		}
		if len(out) == 0 {
			continue
		}

		h.accumulateUsage(sessionID, out)

		if h.agents != nil {
			out = h.interceptEvents(ctx, out, interceptor, istate, w)
		} else {
			w.Write(out)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// interceptEvents decodes each SSE frame in out and runs it through the
// agent interceptor, writing whatever frames it chooses to forward.
func (h *ProxyHandler) interceptEvents(ctx context.Context, out []byte, interceptor *agent.Interceptor, istate *agent.InterceptorState, w http.ResponseWriter) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case len(line) >= 7 && line[:7] == "event: ":
			eventName = line[7:]
		case len(line) >= 6 && line[:6] == "data: ":
			ev, err := sse.Decode(eventName, []byte(line[6:]))
			if err != nil {
				w.Write([]byte(line + "\n\n"))
				continue
			}
			forward, err := interceptor.Handle(ctx, ev, istate)
			if err != nil {
				h.logger.Error("Agent interceptor failed", "error", err)
				continue
			}
			if len(forward) > 0 {
				w.Write(forward)
			}
		}
	}
	return nil
}

func (h *ProxyHandler) findProviderConfig(providerName string, cfg *config.Config) (*config.Provider, error) {
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == providerName {
			if cfg.Providers[i].Disabled {
				return nil, apierr.New(apierr.KindNotFound, fmt.Sprintf("provider %q is disabled", providerName))
			}
			return &cfg.Providers[i], nil
		}
	}
	return nil, apierr.New(apierr.KindNotFound, fmt.Sprintf("provider %q not configured", providerName))
}

func (h *ProxyHandler) buildPipeline(providerCfg config.Provider, model string) (*transform.Pipeline, error) {
	stages := providerCfg.ResolveTransformer(model)
	if len(stages) > 0 {
		entries := make([]transform.Entry, len(stages))
		for i, e := range stages {
			entries[i] = transform.Entry{Name: e.Name, Opts: e.Opts, Path: e.Path}
		}
		return h.transformers.BuildPipeline(entries)
	}
	return h.transformers.BuildPipeline([]transform.Entry{{Name: providerCfg.Name}})
}

// extractSessionID returns the caller-supplied session identifier from the
// request metadata (matching Anthropic's metadata.user_id convention), or
// mints a fresh one so every request still accumulates usage somewhere.
func extractSessionID(body map[string]any) string {
	if meta, ok := body["metadata"].(map[string]any); ok {
		if uid, ok := meta["user_id"].(string); ok && uid != "" {
			return uid
		}
	}
	return uuid.NewString()
}

// accumulateUsage scans a transformed SSE chunk for a message_delta event
// and folds its usage into the session cache.
func (h *ProxyHandler) accumulateUsage(sessionID string, frame []byte) {
	if h.sessions == nil || sessionID == "" {
		return
	}
	parser := sse.NewParser(bytes.NewReader(frame))
	for {
		f, err := parser.Next()
		if err != nil {
			break
		}
		if f.Done {
			break
		}
		if f.Event != string(sse.EventMessageDelta) {
			continue
		}
		ev, err := sse.Decode(f.Event, []byte(f.Data))
		if err != nil || ev.Usage == nil {
			continue
		}
		h.sessions.Accumulate(sessionID, session.Usage{
			InputTokens:  ev.Usage.InputTokens,
			OutputTokens: ev.Usage.OutputTokens,
		})
	}
}

// accumulateBufferedUsage folds a non-streaming response's top-level usage
// object into the session cache.
func (h *ProxyHandler) accumulateBufferedUsage(sessionID string, body []byte) {
	if h.sessions == nil || sessionID == "" {
		return
	}
	var parsed struct {
		Usage *session.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Usage == nil {
		return
	}
	h.sessions.Accumulate(sessionID, *parsed.Usage)
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func requestedToolNames(body map[string]any) []string {
	tools, ok := body["tools"].([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if tm, ok := t.(map[string]any); ok {
			if name, ok := tm["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func appendAgentToolDefs(body map[string]any, agents *agent.Registry) {
	existing, _ := body["tools"].([]any)
	for _, def := range agents.Definitions() {
		existing = append(existing, def)
	}
	body["tools"] = existing
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, err error) {
	writeAPIError(w, err)
}

// writeAPIError renders err as the Anthropic-shaped error envelope,
// shared by every handler in this package.
func writeAPIError(w http.ResponseWriter, err error) {
	status, wireBody := apierr.ToBody(err)
	data, _ := json.Marshal(wireBody)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
