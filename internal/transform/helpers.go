package transform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// removeFieldsRecursively strips the named keys from nested JSON-shaped
// data, ported from the teacher's providers.RemoveFieldsRecursively.
func removeFieldsRecursively(data any, fields []string) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any)
		for k, val := range v {
			skip := false
			for _, f := range fields {
				if k == f {
					skip = true
					break
				}
			}
			if !skip {
				out[k] = removeFieldsRecursively(val, fields)
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = removeFieldsRecursively(item, fields)
		}
		return out
	default:
		return v
	}
}

// convertStopReason maps an OpenAI-style finish_reason to an Anthropic
// stop_reason, ported from providers.ConvertStopReason.
func convertStopReason(reason string) string {
	mapping := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"function_call":  "tool_use",
		"content_filter": "stop_sequence",
		"null":           "end_turn",
		"":               "end_turn",
	}
	if r, ok := mapping[reason]; ok {
		return r
	}
	return "end_turn"
}

// toolCallIDToAnthropic converts an OpenAI-style "call_*" tool id to
// Anthropic's "toolu_*" convention, repairing the malformed
// "toolu_toolu_*" double-prefix bug the teacher's proxy.go guarded
// against.
func toolCallIDToAnthropic(id string) string {
	switch {
	case strings.HasPrefix(id, "toolu_toolu_"):
		return "toolu_" + strings.TrimPrefix(id, "toolu_toolu_")
	case strings.HasPrefix(id, "toolu_"):
		return id
	case strings.HasPrefix(id, "call_"):
		return "toolu_" + strings.TrimPrefix(id, "call_")
	default:
		return "toolu_" + id
	}
}

// toolCallIDToOpenAI is the inverse conversion for outbound requests.
func toolCallIDToOpenAI(id string) string {
	switch {
	case strings.HasPrefix(id, "toolu_"):
		return "call_" + strings.TrimPrefix(id, "toolu_")
	case strings.HasPrefix(id, "call_"):
		return id
	default:
		return "call_" + id
	}
}

// anthropicToolsToOpenAI converts Claude-shaped tool definitions
// (name/description/input_schema) into OpenAI's
// {"type":"function","function":{...}} shape.
func anthropicToolsToOpenAI(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := tm["type"].(string); ok && typ == "function" {
			if _, ok := tm["function"]; ok {
				out = append(out, t)
				continue
			}
		}
		name, ok := tm["name"].(string)
		if !ok {
			continue
		}
		fn := map[string]any{"name": name}
		if desc, ok := tm["description"].(string); ok {
			fn["description"] = desc
		}
		if schema, ok := tm["input_schema"]; ok {
			fn["parameters"] = schema
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

// anthropicMessagesToOpenAI converts Claude content-block messages
// (tool_use/tool_result arrays) into OpenAI's tool_calls/tool role shape.
func anthropicMessagesToOpenAI(messages []any) []any {
	out := make([]any, 0, len(messages))
	for _, m := range messages {
		mm, ok := m.(map[string]any)
		if !ok {
			out = append(out, m)
			continue
		}
		role, _ := mm["role"].(string)
		content, hasArray := mm["content"].([]any)

		switch {
		case role == "user" && hasArray:
			toolMsgs, regular := extractToolResults(content)
			if len(toolMsgs) > 0 {
				out = append(out, toolMsgs...)
				if len(regular) > 0 {
					out = append(out, map[string]any{"role": "user", "content": regular})
				}
				continue
			}
		case role == "assistant" && hasArray:
			if converted := assistantBlocksToOpenAI(mm, content); converted != nil {
				out = append(out, converted)
				continue
			}
		}
		out = append(out, removeFieldsRecursively(mm, []string{"cache_control"}))
	}
	return out
}

func extractToolResults(content []any) (toolMessages, regular []any) {
	for _, block := range content {
		bm, ok := block.(map[string]any)
		if !ok {
			regular = append(regular, block)
			continue
		}
		if bt, _ := bm["type"].(string); bt == "tool_result" {
			toolUseID, _ := bm["tool_use_id"].(string)
			toolMessages = append(toolMessages, map[string]any{
				"role":         "tool",
				"tool_call_id": toolCallIDToOpenAI(toolUseID),
				"content":      formatToolResultContent(bm["content"]),
			})
			continue
		}
		regular = append(regular, block)
	}
	return toolMessages, regular
}

func formatToolResultContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, b := range v {
			if bm, ok := b.(map[string]any); ok {
				if bt, _ := bm["type"].(string); bt == "text" {
					if text, ok := bm["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	if b, err := json.Marshal(content); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", content)
}

func assistantBlocksToOpenAI(mm map[string]any, content []any) map[string]any {
	var text strings.Builder
	var toolCalls []any

	for _, block := range content {
		bm, ok := block.(map[string]any)
		if !ok {
			continue
		}
		switch bm["type"] {
		case "text":
			if t, ok := bm["text"].(string); ok {
				text.WriteString(t)
			}
		case "tool_use":
			id, _ := bm["id"].(string)
			name, _ := bm["name"].(string)
			args := "{}"
			if input := bm["input"]; input != nil {
				if b, err := json.Marshal(input); err == nil {
					args = string(b)
				}
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   toolCallIDToOpenAI(id),
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": args,
				},
			})
		}
	}

	if len(toolCalls) == 0 {
		return nil
	}

	out := map[string]any{"role": "assistant", "tool_calls": toolCalls}
	if text.Len() > 0 {
		out["content"] = text.String()
	} else {
		out["content"] = nil
	}
	return out
}

func formatSSEEvent(eventType string, data map[string]any) []byte {
	b, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal event\"}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, b))
}

func messageStartEvent(id, model string, usage map[string]any) map[string]any {
	if usage == nil {
		usage = map[string]any{"input_tokens": 0, "output_tokens": 1}
	}
	return map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	}
}
