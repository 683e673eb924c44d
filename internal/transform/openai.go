package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// openAICompat implements the OpenAI chat-completions dialect shared by
// openai, openrouter and nvidia (NIM), ported from the teacher's
// proxy.go transformAnthropicToOpenAI/transformOpenAIToAnthropic pair and
// providers/openai.go's streaming state machine. onlineSuffix preserves
// OpenRouter's ":online" model suffix (web-search routing) instead of
// stripping it as an unknown model qualifier.
type openAICompat struct {
	dialect      string
	onlineSuffix bool
}

func NewOpenAITransformer(map[string]any) Transformer {
	return &openAICompat{dialect: "openai"}
}

func NewOpenRouterTransformer(map[string]any) Transformer {
	return &openAICompat{dialect: "openrouter", onlineSuffix: true}
}

func NewNvidiaTransformer(map[string]any) Transformer {
	return &openAICompat{dialect: "nvidia"}
}

func (t *openAICompat) Name() string { return t.dialect }

func (t *openAICompat) RequestIn(_ context.Context, req *Request) (*Request, error) {
	stripProviderPrefix(req)
	body := req.Body

	fieldsToRemove := []string{"cache_control"}
	if store, has := body["store"]; !has || store != true {
		fieldsToRemove = append(fieldsToRemove, "metadata")
	}
	cleaned, ok := removeFieldsRecursively(body, fieldsToRemove).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform: %s request body is not an object", t.dialect)
	}

	if system, hasSystem := cleaned["system"]; hasSystem {
		systemMsg := map[string]any{"role": "system", "content": system}
		if msgs, ok := cleaned["messages"].([]any); ok {
			cleaned["messages"] = append([]any{systemMsg}, msgs...)
		}
		delete(cleaned, "system")
	}

	if maxTokens, has := cleaned["max_tokens"]; has {
		cleaned["max_completion_tokens"] = maxTokens
		delete(cleaned, "max_tokens")
	}

	if msgs, ok := cleaned["messages"].([]any); ok {
		cleaned["messages"] = anthropicMessagesToOpenAI(msgs)
	}

	if tools, ok := cleaned["tools"].([]any); ok {
		transformed := anthropicToolsToOpenAI(tools)
		cleaned["tools"] = transformed
		if len(transformed) == 0 {
			delete(cleaned, "tool_choice")
		}
	} else {
		delete(cleaned, "tool_choice")
	}

	if model, ok := cleaned["model"].(string); ok && t.onlineSuffix && strings.Contains(model, ":online") {
		// Preserve the suffix; OpenRouter's own catalog expects it verbatim.
	}

	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return nil, err
	}
	req.Body = decoded
	return req, nil
}

func (t *openAICompat) ResponseOut(_ context.Context, body []byte, state *StreamState) ([]byte, error) {
	if state == nil {
		return t.convertBuffered(body)
	}
	return t.convertStreamChunk(body, state)
}

func (t *openAICompat) convertBuffered(data []byte) ([]byte, error) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   *string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("transform: decode %s response: %w", t.dialect, err)
	}

	if resp.Error != nil {
		out := map[string]any{
			"id":    resp.ID,
			"type":  "error",
			"model": resp.Model,
			"error": map[string]any{"type": resp.Error.Type, "message": resp.Error.Message},
		}
		return json.Marshal(out)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("transform: %s response has no choices", t.dialect)
	}
	choice := resp.Choices[0]

	var content []map[string]any
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		content = append(content, map[string]any{"type": "text", "text": *choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    toolCallIDToAnthropic(tc.ID),
			"name":  tc.Function.Name,
			"input": input,
		})
	}
	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	out := map[string]any{
		"id":      resp.ID,
		"type":    "message",
		"role":    "assistant",
		"model":   resp.Model,
		"content": content,
	}
	if choice.FinishReason != nil {
		out["stop_reason"] = convertStopReason(*choice.FinishReason)
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}

func (t *openAICompat) convertStreamChunk(data []byte, state *StreamState) ([]byte, error) {
	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("transform: decode %s stream chunk: %w", t.dialect, err)
	}

	var events []byte

	if id, ok := chunk["id"].(string); ok && state.MessageID == "" {
		state.MessageID = id
	}
	if model, ok := chunk["model"].(string); ok && state.Model == "" {
		state.Model = model
	}

	choices, ok := chunk["choices"].([]any)
	if !ok || len(choices) == 0 {
		return events, nil
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return events, nil
	}

	if !state.MessageStartSent {
		usage := extractUsage(chunk)
		events = append(events, formatSSEEvent("message_start", messageStartEvent(state.MessageID, state.Model, usage))...)
		state.MessageStartSent = true
	}
	if state.ContentBlocks == nil {
		state.ContentBlocks = make(map[int]*ContentBlockState)
	}

	if delta, ok := first["delta"].(map[string]any); ok {
		if toolCalls, ok := delta["tool_calls"].([]any); ok {
			events = append(events, t.handleToolCalls(toolCalls, state)...)
		} else if content, ok := delta["content"].(string); ok && content != "" {
			events = append(events, t.handleTextDelta(content, state)...)
		}
	}

	if reasonVal, ok := first["finish_reason"]; ok && reasonVal != nil {
		if reason, ok := reasonVal.(string); ok {
			events = append(events, t.handleFinish(reason, chunk, state)...)
		}
	}

	return events, nil
}

func extractUsage(chunk map[string]any) map[string]any {
	usage, ok := chunk["usage"].(map[string]any)
	if !ok {
		return nil
	}
	out := map[string]any{}
	if v, ok := usage["prompt_tokens"]; ok {
		out["input_tokens"] = v
	}
	if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		if v, ok := details["cached_tokens"]; ok {
			out["cache_read_input_tokens"] = v
		}
	}
	return out
}

func (t *openAICompat) handleTextDelta(content string, state *StreamState) []byte {
	var events []byte
	block, exists := state.ContentBlocks[0]
	if !exists {
		block = &ContentBlockState{Type: "text"}
		state.ContentBlocks[0] = block
	}
	if !block.StartSent {
		events = append(events, formatSSEEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})...)
		block.StartSent = true
	}
	events = append(events, formatSSEEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": content},
	})...)
	return events
}

func (t *openAICompat) handleToolCalls(toolCalls []any, state *StreamState) []byte {
	var events []byte
	for _, tc := range toolCalls {
		tm, ok := tc.(map[string]any)
		if !ok {
			continue
		}
		events = append(events, t.handleSingleToolCall(tm, state)...)
	}
	return events
}

func (t *openAICompat) handleSingleToolCall(tc map[string]any, state *StreamState) []byte {
	var events []byte

	index := -1
	if f, ok := tc["index"].(float64); ok {
		index = int(f)
	}
	id, _ := tc["id"].(string)
	var name, args string
	if fn, ok := tc["function"].(map[string]any); ok {
		name, _ = fn["name"].(string)
		args, _ = fn["arguments"].(string)
	}

	blockIdx := -1
	for idx, b := range state.ContentBlocks {
		if b.Type == "tool_use" && ((index >= 0 && b.ToolCallIndex == index) || (id != "" && b.ToolCallID == id)) {
			blockIdx = idx
			break
		}
	}
	if blockIdx == -1 {
		if id == "" {
			return events
		}
		blockIdx = len(state.ContentBlocks)
		state.ContentBlocks[blockIdx] = &ContentBlockState{
			Type: "tool_use", ToolCallID: id, ToolCallIndex: index, ToolName: name,
		}
	}
	block := state.ContentBlocks[blockIdx]
	if name != "" {
		block.ToolName = name
	}

	if !block.StartSent && block.ToolCallID != "" && block.ToolName != "" {
		events = append(events, formatSSEEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": blockIdx,
			"content_block": map[string]any{
				"type": "tool_use", "id": toolCallIDToAnthropic(block.ToolCallID), "name": block.ToolName, "input": map[string]any{},
			},
		})...)
		block.StartSent = true
	}

	if args != "" && args != block.Arguments {
		var delta string
		if strings.HasPrefix(args, block.Arguments) {
			delta = args[len(block.Arguments):]
		} else {
			delta = args
		}
		block.Arguments = args
		if delta != "" {
			events = append(events, formatSSEEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": blockIdx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": delta},
			})...)
		}
	}

	return events
}

func (t *openAICompat) handleFinish(reason string, chunk map[string]any, state *StreamState) []byte {
	var events []byte
	for idx, block := range state.ContentBlocks {
		if block.StartSent && !block.StopSent {
			events = append(events, formatSSEEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)
			block.StopSent = true
		}
	}

	delta := map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": convertStopReason(reason), "stop_sequence": nil}}
	if usage, ok := chunk["usage"].(map[string]any); ok {
		out := map[string]any{}
		if v, ok := usage["prompt_tokens"]; ok {
			out["input_tokens"] = v
		}
		if v, ok := usage["completion_tokens"]; ok {
			out["output_tokens"] = v
		}
		if len(out) > 0 {
			delta["usage"] = out
		}
	}
	events = append(events, formatSSEEvent("message_delta", delta)...)
	events = append(events, formatSSEEvent("message_stop", map[string]any{"type": "message_stop"})...)
	return events
}
