package transform

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIRequestInMovesSystemIntoMessages(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	req := &Request{Body: map[string]any{
		"system":     "be concise",
		"max_tokens": float64(100),
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
	}}
	out, err := tr.RequestIn(context.Background(), req)
	require.NoError(t, err)

	msgs, ok := out.Body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be concise", first["content"])

	_, hasSystem := out.Body["system"]
	assert.False(t, hasSystem)
	assert.Equal(t, float64(100), out.Body["max_completion_tokens"])
	_, hasMaxTokens := out.Body["max_tokens"]
	assert.False(t, hasMaxTokens)
}

func TestOpenAIRequestInDropsToolChoiceWhenNoTools(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	req := &Request{Body: map[string]any{
		"tool_choice": "auto",
		"messages":    []any{},
	}}
	out, err := tr.RequestIn(context.Background(), req)
	require.NoError(t, err)
	_, has := out.Body["tool_choice"]
	assert.False(t, has)
}

func TestOpenAIRequestInConvertsTools(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	req := &Request{Body: map[string]any{
		"messages": []any{},
		"tools": []any{
			map[string]any{
				"name":         "get_time",
				"description":  "returns the current time",
				"input_schema": map[string]any{"type": "object"},
			},
		},
	}}
	out, err := tr.RequestIn(context.Background(), req)
	require.NoError(t, err)

	tools, ok := out.Body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	tm, ok := tools[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", tm["type"])
	fn, ok := tm["function"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "get_time", fn["name"])
}

func TestOpenAIConvertBufferedText(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	data := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 2}
	}`)
	out, err := tr.ResponseOut(context.Background(), data, nil)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "message", decoded["type"])
	assert.Equal(t, "end_turn", decoded["stop_reason"])
	content, ok := decoded["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "hello", block["text"])
}

func TestOpenAIConvertBufferedToolCall(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	data := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"message": {"tool_calls": [{"id": "call_abc", "function": {"name": "get_time", "arguments": "{\"tz\":\"UTC\"}"}}]}, "finish_reason": "tool_calls"}]
	}`)
	out, err := tr.ResponseOut(context.Background(), data, nil)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "tool_use", decoded["stop_reason"])
	content := decoded["content"].([]any)
	block := content[0].(map[string]any)
	assert.Equal(t, "toolu_abc", block["id"])
	assert.Equal(t, "get_time", block["name"])
}

func TestOpenAIConvertStreamChunkEmitsMessageStartOnce(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	state := &StreamState{}

	chunk1 := []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"content":"hi"}}]}`)
	out1, err := tr.ResponseOut(context.Background(), chunk1, state)
	require.NoError(t, err)
	assert.Contains(t, string(out1), "message_start")
	assert.Contains(t, string(out1), "content_block_start")
	assert.True(t, state.MessageStartSent)

	chunk2 := []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"content":" there"}}]}`)
	out2, err := tr.ResponseOut(context.Background(), chunk2, state)
	require.NoError(t, err)
	assert.NotContains(t, string(out2), "message_start", "message_start should only be emitted once per stream")
}

func TestOpenAIConvertStreamChunkFinishEmitsStopEvents(t *testing.T) {
	tr := NewOpenAITransformer(nil)
	state := &StreamState{}

	_, err := tr.ResponseOut(context.Background(), []byte(`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"content":"hi"}}]}`), state)
	require.NoError(t, err)

	out, err := tr.ResponseOut(context.Background(), []byte(`{"id":"c1","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}`), state)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "content_block_stop")
	assert.Contains(t, s, "message_delta")
	assert.Contains(t, s, "message_stop")
}

func TestToolCallIDToAnthropicRepairsDoublePrefix(t *testing.T) {
	assert.Equal(t, "toolu_abc", toolCallIDToAnthropic("toolu_toolu_abc"))
	assert.Equal(t, "toolu_abc", toolCallIDToAnthropic("call_abc"))
	assert.Equal(t, "toolu_abc", toolCallIDToAnthropic("toolu_abc"))
	assert.Equal(t, "toolu_abc", toolCallIDToAnthropic("abc"))
}

func TestToolCallIDToOpenAI(t *testing.T) {
	assert.Equal(t, "call_abc", toolCallIDToOpenAI("toolu_abc"))
	assert.Equal(t, "call_abc", toolCallIDToOpenAI("call_abc"))
}
