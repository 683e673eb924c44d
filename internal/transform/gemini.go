package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// geminiTransformer ports the proxy.go transformAnthropicToGemini /
// convertAnthropicMessagesToGeminiContents family into the Transformer
// contract. Gemini's wire shape (contents/parts, functionCall /
// functionResponse parts, generationConfig) differs enough from the
// OpenAI dialect that it isn't worth sharing openAICompat's machinery.
type geminiTransformer struct{}

func NewGeminiTransformer(map[string]any) Transformer { return &geminiTransformer{} }

func (t *geminiTransformer) Name() string { return "gemini" }

func (t *geminiTransformer) RequestIn(_ context.Context, req *Request) (*Request, error) {
	body := req.Body

	geminiReq := map[string]any{}

	contents, err := convertMessagesToGeminiContents(body)
	if err != nil {
		return nil, fmt.Errorf("transform: gemini messages: %w", err)
	}
	geminiReq["contents"] = contents

	genConfig := map[string]any{}
	if v, ok := body["max_tokens"].(float64); ok {
		genConfig["maxOutputTokens"] = int(v)
	}
	if v, ok := body["temperature"].(float64); ok {
		genConfig["temperature"] = v
	}
	if v, ok := body["top_p"].(float64); ok {
		genConfig["topP"] = v
	}
	if v, ok := body["top_k"].(float64); ok {
		genConfig["topK"] = int(v)
	}
	if len(genConfig) > 0 {
		geminiReq["generationConfig"] = genConfig
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		geminiReq["tools"] = convertToolsToGemini(tools)
	}

	geminiReq["safetySettings"] = []map[string]any{
		{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_MEDIUM_AND_ABOVE"},
		{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_MEDIUM_AND_ABOVE"},
		{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_MEDIUM_AND_ABOVE"},
		{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_MEDIUM_AND_ABOVE"},
	}

	req.Body = geminiReq
	req.EndpointOverride = geminiEndpoint(req.BaseURL, req.Model, req.Stream)
	return req, nil
}

// geminiEndpoint builds the model-in-path URL Gemini requires, e.g.
// https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent
func geminiEndpoint(baseURL, model string, stream bool) string {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	base := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasSuffix(base, "/models"):
		return fmt.Sprintf("%s/%s:%s", base, model, action)
	case strings.Contains(base, "/models/"):
		idx := strings.LastIndex(base, "/models/")
		return fmt.Sprintf("%s%s:%s", base[:idx+8], model, action)
	default:
		return fmt.Sprintf("%s/%s:%s", base, model, action)
	}
}

func convertMessagesToGeminiContents(body map[string]any) ([]any, error) {
	var contents []any

	if system, ok := body["system"].(string); ok && system != "" {
		contents = append(contents, map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": "System: " + system}},
		})
	}

	messages, _ := body["messages"].([]any)
	for _, m := range messages {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, err := convertMessageToGeminiContent(mm)
		if err != nil {
			return nil, err
		}
		if content != nil {
			contents = append(contents, content)
		}
	}
	return contents, nil
}

func convertMessageToGeminiContent(m map[string]any) (map[string]any, error) {
	role, ok := m["role"].(string)
	if !ok {
		return nil, fmt.Errorf("message missing role")
	}
	var geminiRole string
	switch role {
	case "user":
		geminiRole = "user"
	case "assistant":
		geminiRole = "model"
	default:
		return nil, fmt.Errorf("unsupported role: %s", role)
	}

	out := map[string]any{"role": geminiRole}
	switch c := m["content"].(type) {
	case []any:
		out["parts"] = convertContentToGeminiParts(c)
	case string:
		out["parts"] = []map[string]any{{"text": c}}
	}
	return out, nil
}

func convertContentToGeminiParts(content []any) []any {
	var parts []any
	for _, item := range content {
		im, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch im["type"] {
		case "text":
			if text, ok := im["text"].(string); ok {
				parts = append(parts, map[string]any{"text": text})
			}
		case "tool_use":
			if name, ok := im["name"].(string); ok {
				fc := map[string]any{"name": name}
				if input, ok := im["input"].(map[string]any); ok {
					fc["args"] = input
				}
				parts = append(parts, map[string]any{"functionCall": fc})
			}
		case "tool_result":
			var response any
			switch c := im["content"].(type) {
			case string:
				response = map[string]any{"result": c}
			case nil:
				response = map[string]any{"result": ""}
			default:
				response = c
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{"name": "tool_result", "response": response},
			})
		case "image":
			if source, ok := im["source"].(map[string]any); ok {
				mediaType, _ := source["media_type"].(string)
				data, _ := source["data"].(string)
				if mediaType != "" && data != "" {
					parts = append(parts, map[string]any{
						"inlineData": map[string]any{"mimeType": mediaType, "data": data},
					})
				}
			}
		}
	}
	return parts
}

func convertToolsToGemini(tools []any) []any {
	var out []any
	for _, tool := range tools {
		tm, ok := tool.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tm["name"].(string)
		if name == "" {
			continue
		}
		fn := map[string]any{"name": name}
		if desc, ok := tm["description"].(string); ok {
			fn["description"] = desc
		}
		if params, ok := tm["input_schema"].(map[string]any); ok {
			fn["parameters"] = convertSchemaToGemini(params)
		}
		out = append(out, map[string]any{"functionDeclarations": []any{fn}})
	}
	return out
}

func convertSchemaToGemini(schema map[string]any) map[string]any {
	out := map[string]any{}
	if t, ok := schema["type"].(string); ok {
		out["type"] = strings.ToUpper(t)
	}
	if d, ok := schema["description"].(string); ok {
		out["description"] = d
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		converted := map[string]any{}
		for k, v := range props {
			if vm, ok := v.(map[string]any); ok {
				converted[k] = convertSchemaToGemini(vm)
			}
		}
		out["properties"] = converted
	}
	if req, ok := schema["required"].([]any); ok {
		out["required"] = req
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out["items"] = convertSchemaToGemini(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		out["enum"] = enum
	}
	return out
}

func (t *geminiTransformer) ResponseOut(ctx context.Context, body []byte, state *StreamState) ([]byte, error) {
	if state != nil {
		return t.convertStreamChunk(ctx, body, state)
	}
	return t.convertBuffered(body)
}

// convertStreamChunk wraps each Gemini streamGenerateContent chunk (a
// full candidate snapshot, not an incremental delta) in Anthropic SSE
// events. Since Gemini doesn't send incremental tool-call arguments the
// way OpenAI does, each tool_use chunk is emitted as a complete
// content_block_start/delta/stop triple.
func (t *geminiTransformer) convertStreamChunk(_ context.Context, body []byte, state *StreamState) ([]byte, error) {
	var chunk struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string         `json:"name"`
						Args map[string]any `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &chunk); err != nil {
		return nil, fmt.Errorf("transform: decode gemini stream chunk: %w", err)
	}

	var events []byte
	if !state.MessageStartSent {
		events = append(events, formatSSEEvent("message_start", messageStartEvent(state.MessageID, state.Model, nil))...)
		state.MessageStartSent = true
	}
	if state.ContentBlocks == nil {
		state.ContentBlocks = make(map[int]*ContentBlockState)
	}
	if len(chunk.Candidates) == 0 {
		return events, nil
	}
	cand := chunk.Candidates[0]

	for _, part := range cand.Content.Parts {
		index := len(state.ContentBlocks)
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			events = append(events, formatSSEEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": index,
				"content_block": map[string]any{"type": "tool_use", "id": fmt.Sprintf("toolu_gemini_%d", index), "name": part.FunctionCall.Name, "input": map[string]any{}},
			})...)
			events = append(events, formatSSEEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
			})...)
			events = append(events, formatSSEEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})...)
			state.ContentBlocks[index] = &ContentBlockState{Type: "tool_use", StartSent: true, StopSent: true}
		} else if part.Text != "" {
			events = append(events, formatSSEEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": index,
				"content_block": map[string]any{"type": "text", "text": ""},
			})...)
			events = append(events, formatSSEEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": index,
				"delta": map[string]any{"type": "text_delta", "text": part.Text},
			})...)
			events = append(events, formatSSEEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})...)
			state.ContentBlocks[index] = &ContentBlockState{Type: "text", StartSent: true, StopSent: true}
		}
	}

	if cand.FinishReason != "" {
		delta := map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": geminiFinishReason(cand.FinishReason), "stop_sequence": nil}}
		if chunk.UsageMetadata != nil {
			delta["usage"] = map[string]any{
				"input_tokens":  chunk.UsageMetadata.PromptTokenCount,
				"output_tokens": chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		events = append(events, formatSSEEvent("message_delta", delta)...)
		events = append(events, formatSSEEvent("message_stop", map[string]any{"type": "message_stop"})...)
	}

	return events, nil
}

func (t *geminiTransformer) convertBuffered(body []byte) ([]byte, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string         `json:"name"`
						Args map[string]any `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("transform: decode gemini response: %w", err)
	}
	if resp.Error != nil {
		return json.Marshal(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": resp.Error.Message},
		})
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("transform: gemini response has no candidates")
	}
	cand := resp.Candidates[0]

	var content []map[string]any
	toolIndex := 0
	for _, part := range cand.Content.Parts {
		if part.FunctionCall != nil {
			toolIndex++
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    fmt.Sprintf("toolu_gemini_%d", toolIndex),
				"name":  part.FunctionCall.Name,
				"input": part.FunctionCall.Args,
			})
		} else if part.Text != "" {
			content = append(content, map[string]any{"type": "text", "text": part.Text})
		}
	}
	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	out := map[string]any{
		"type":        "message",
		"role":        "assistant",
		"content":     content,
		"stop_reason": geminiFinishReason(cand.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.UsageMetadata.PromptTokenCount,
			"output_tokens": resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return json.Marshal(out)
}

func geminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
