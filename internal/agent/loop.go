package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ccrelay/ccrelay/internal/sse"
)

// Continuer sends a follow-up /v1/messages request through the same
// pipeline the original request took and returns its raw response body
// (buffered; continuations never themselves re-stream through the
// interceptor to bound recursion to one splice per agent tool call).
// Implemented by an in-process loopback handler so the continuation
// never leaves the process, per the no-goals constraint against a real
// second network hop for agent-internal turns.
type Continuer interface {
	Continue(ctx context.Context, body map[string]any) ([]byte, error)
}

// Interceptor drives the Idle/Capturing/Splicing state machine over a
// decoded SSE event stream, executing agent-owned tool calls locally and
// splicing the continuation's events back into the outgoing stream.
type Interceptor struct {
	registry    *Registry
	continuer   Continuer
	autoApprove map[string]struct{} // nil means every agent tool is approved
}

// NewInterceptor builds an Interceptor. autoApprove names the tools the
// agent loop may execute without the caller's confirmation; a nil or empty
// list approves every tool an owning Agent exposes.
func NewInterceptor(registry *Registry, continuer Continuer, autoApprove []string) *Interceptor {
	in := &Interceptor{registry: registry, continuer: continuer}
	if len(autoApprove) > 0 {
		in.autoApprove = make(map[string]struct{}, len(autoApprove))
		for _, name := range autoApprove {
			in.autoApprove[name] = struct{}{}
		}
	}
	return in
}

// approved reports whether name may be executed locally without a
// confirmation round-trip.
func (in *Interceptor) approved(name string) bool {
	if in.autoApprove == nil {
		return true
	}
	_, ok := in.autoApprove[name]
	return ok
}

// Handle processes one decoded SSE event against state, returning zero or
// more re-encoded frames to forward to the client. An empty return means
// the event was swallowed (it was part of a captured tool_use block).
func (in *Interceptor) Handle(ctx context.Context, ev sse.Event, state *InterceptorState) ([]byte, error) {
	switch state.Phase {
	case Idle:
		return in.handleIdle(ctx, ev, state)
	case Capturing:
		return in.handleCapturing(ctx, ev, state)
	default:
		// Splicing: the continuation request owns forwarding now; any
		// leftover events from the original stream (there should be none
		// past message_stop) are dropped.
		return nil, nil
	}
}

func (in *Interceptor) handleIdle(ctx context.Context, ev sse.Event, state *InterceptorState) ([]byte, error) {
	// A splice already sent the continuation's own terminator; the
	// original stream's trailing message_delta/message_stop describes a
	// turn the client never saw as complete and must be swallowed.
	if state.SuppressTerminator {
		switch ev.Type {
		case sse.EventMessageDelta:
			return nil, nil
		case sse.EventMessageStop:
			state.SuppressTerminator = false
			return nil, nil
		}
	}
	if ev.Type == sse.EventContentBlockStart && ev.Block != nil && ev.Block.Type == "tool_use" {
		if in.registry.HasAgentTools([]string{ev.Block.Name}) && in.approved(ev.Block.Name) {
			state.BeginCapture(ev.Index, ev.Block.ID, ev.Block.Name)
			return nil, nil
		}
	}
	return sse.EncodeRaw(ev.Type, ev.Raw), nil
}

func (in *Interceptor) handleCapturing(ctx context.Context, ev sse.Event, state *InterceptorState) ([]byte, error) {
	switch ev.Type {
	case sse.EventContentBlockDelta:
		if ev.Delta != nil && ev.Delta.Type == "input_json_delta" {
			state.AppendInput(ev.Delta.PartialJSON)
		}
		return nil, nil
	case sse.EventContentBlockStop:
		pending := state.EndCapture()
		out, err := in.execute(ctx, pending, state)
		if err != nil {
			state.Reset()
			return nil, err
		}
		state.Reset()
		return out, nil
	default:
		return nil, nil
	}
}

// execute runs the captured tool call, appends the assistant tool_use +
// user tool_result turn to state.Messages, sends the continuation
// request, and returns its events re-rendered as SSE frames.
func (in *Interceptor) execute(ctx context.Context, pending *PendingToolUse, state *InterceptorState) ([]byte, error) {
	if pending == nil {
		return nil, fmt.Errorf("agent: tool_use block closed with no pending capture")
	}

	ag, ok := in.registry.Resolve(pending.Name)
	if !ok {
		return nil, fmt.Errorf("agent: no agent owns tool %q", pending.Name)
	}
	tool, ok := ag.Tools[pending.Name]
	if !ok {
		return nil, fmt.Errorf("agent: agent %s lost tool %q between resolve and dispatch", ag.Name, pending.Name)
	}

	input := decodeInput(json.RawMessage(pending.InputJSON))
	result, toolErr := tool.Execute(ctx, input)

	state.Messages = append(state.Messages,
		map[string]any{
			"role": "assistant",
			"content": []map[string]any{
				{"type": "tool_use", "id": pending.ID, "name": pending.Name, "input": input},
			},
		},
		map[string]any{
			"role": "user",
			"content": []map[string]any{
				{
					"type":        "tool_result",
					"tool_use_id": pending.ID,
					"content":     []map[string]any{marshalResult(result, toolErr)},
					"is_error":    toolErr != nil,
				},
			},
		},
	)

	body := continuationBody(state.Body, state.Messages)
	respBody, err := in.continuer.Continue(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("agent: continuation request: %w", err)
	}
	state.SuppressTerminator = true
	return stripMessageStart(respBody), nil
}

// continuationBody clones the original request body and appends the
// synthetic tool_use/tool_result turns onto its messages, so the
// continuation carries the original system prompt, tools, and prior
// conversation instead of just the two new turns.
func continuationBody(original map[string]any, synthetic []map[string]any) map[string]any {
	body := make(map[string]any, len(original)+1)
	for k, v := range original {
		body[k] = v
	}
	var messages []any
	if existing, ok := original["messages"].([]any); ok {
		messages = append(messages, existing...)
	}
	for _, m := range synthetic {
		messages = append(messages, m)
	}
	body["messages"] = messages
	return body
}

// stripMessageStart drops a buffered continuation's leading message_start
// frame before it is spliced into the outgoing stream. The client already
// saw the original turn's message_start; a second one would look like the
// start of an unrelated message.
func stripMessageStart(raw []byte) []byte {
	parser := sse.NewParser(bytes.NewReader(raw))
	var out bytes.Buffer
	first := true
	for {
		frame, err := parser.Next()
		if err != nil {
			break
		}
		if frame.Done {
			break
		}
		if first {
			first = false
			if frame.Event == string(sse.EventMessageStart) {
				continue
			}
		}
		out.Write(sse.EncodeRaw(sse.EventType(frame.Event), []byte(frame.Data)))
	}
	return out.Bytes()
}
