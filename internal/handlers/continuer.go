package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ccrelay/ccrelay/internal/sse"
	"github.com/ccrelay/ccrelay/internal/transform"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// loopbackContinuer implements agent.Continuer by re-running a request
// through the same transform/dispatch stages in-process, never opening a
// second real network listener the way a genuine second hop would. Each
// call re-runs the full routing decision against the continuation body,
// since a tool-following turn is free to land on a different provider or
// model than the turn that produced the tool_use (e.g. the tool results
// push token count past the long-context threshold). The continuation
// always streams upstream but its events are buffered into one contiguous
// byte slice so the caller can forward them as a single unit after the
// splice, bounding recursion to one continuation per captured tool call
// (the continuation's own response is never itself re-intercepted).
type loopbackContinuer struct {
	handler *ProxyHandler
}

func (h *ProxyHandler) newContinuer() *loopbackContinuer {
	return &loopbackContinuer{handler: h}
}

func (c *loopbackContinuer) Continue(ctx context.Context, body map[string]any) ([]byte, error) {
	h := c.handler
	cfg := h.config.Get()

	decision := h.decider.Decide(body, cfg.Router, cfg.Providers)
	providerCfg, err := h.findProviderConfig(decision.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("continuation: resolve provider: %w", err)
	}

	body["stream"] = true

	pipeline, err := h.buildPipeline(*providerCfg, decision.Model)
	if err != nil {
		return nil, fmt.Errorf("continuation: build pipeline: %w", err)
	}

	req := &transform.Request{Body: body, Headers: map[string]string{}, Stream: true, BaseURL: providerCfg.APIBase, Model: decision.Model}
	req, err = pipeline.RequestIn(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("continuation: request transform: %w", err)
	}

	finalBody, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("continuation: encode request: %w", err)
	}
	endpoint := providerCfg.APIBase
	if req.EndpointOverride != "" {
		endpoint = req.EndpointOverride
	}

	upstreamReq, err := upstream.BuildRequest(ctx, "POST", endpoint, finalBody, req.Headers, *providerCfg)
	if err != nil {
		return nil, fmt.Errorf("continuation: build upstream request: %w", err)
	}

	result, err := h.dispatcher.Send(ctx, providerCfg.Name, upstreamReq, finalBody)
	if err != nil {
		return nil, fmt.Errorf("continuation: upstream dispatch: %w", err)
	}
	defer result.Body.Close()

	if !result.Streaming {
		respBody, err := io.ReadAll(result.Body)
		if err != nil {
			return nil, fmt.Errorf("continuation: read response: %w", err)
		}
		return pipeline.ResponseOut(ctx, respBody, nil)
	}

	states := pipeline.NewStreamStates()
	var out bytes.Buffer
	parser := sse.NewParser(result.Body)
	for {
		frame, err := parser.Next()
		if err != nil {
			if err != io.EOF {
				return nil, fmt.Errorf("continuation: sse parse: %w", err)
			}
			break
		}
		if frame.Done {
			break
		}
		chunk, err := pipeline.ResponseOut(ctx, []byte(frame.Data), states)
		if err != nil {
			return nil, fmt.Errorf("continuation: response transform: %w", err)
		}
		out.Write(chunk)
	}
	return out.Bytes(), nil
}
