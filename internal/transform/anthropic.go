package transform

import (
	"context"
	"encoding/json"
	"fmt"
)

// anthropicTransformer is a pass-through, grounded on the teacher's
// trivial AnthropicProvider, since the wire contract already matches; the
// only request change is stripping the router's provider prefix from the
// model name. For streaming it still has to
// re-wrap each bare JSON chunk into an "event: <type>\ndata: ...\n\n"
// frame, since the pipeline passes raw data payloads between stages and
// only the final stage is responsible for SSE framing; it recovers the
// event name from the payload's own "type" field, which Anthropic's wire
// format always sets to match the SSE event name.
type anthropicTransformer struct{}

func NewAnthropicTransformer(map[string]any) Transformer { return &anthropicTransformer{} }

func (t *anthropicTransformer) Name() string { return "anthropic" }

func (t *anthropicTransformer) RequestIn(_ context.Context, req *Request) (*Request, error) {
	stripProviderPrefix(req)
	return req, nil
}

func (t *anthropicTransformer) ResponseOut(_ context.Context, body []byte, state *StreamState) ([]byte, error) {
	if state == nil {
		return body, nil
	}
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &typed); err != nil || typed.Type == "" {
		return body, nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", typed.Type, body)), nil
}
