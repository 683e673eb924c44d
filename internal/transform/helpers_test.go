package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveFieldsRecursivelyStripsNestedKeys(t *testing.T) {
	in := map[string]any{
		"keep": "yes",
		"cache_control": map[string]any{"type": "ephemeral"},
		"nested": map[string]any{
			"cache_control": "x",
			"value":         1,
		},
		"list": []any{
			map[string]any{"cache_control": "x", "value": 2},
		},
	}
	out := removeFieldsRecursively(in, []string{"cache_control"}).(map[string]any)

	_, has := out["cache_control"]
	assert.False(t, has)
	nested := out["nested"].(map[string]any)
	_, has = nested["cache_control"]
	assert.False(t, has)
	assert.Equal(t, 1, nested["value"])
	list := out["list"].([]any)
	item := list[0].(map[string]any)
	_, has = item["cache_control"]
	assert.False(t, has)
}

func TestConvertStopReasonMapping(t *testing.T) {
	assert.Equal(t, "end_turn", convertStopReason("stop"))
	assert.Equal(t, "max_tokens", convertStopReason("length"))
	assert.Equal(t, "tool_use", convertStopReason("tool_calls"))
	assert.Equal(t, "tool_use", convertStopReason("function_call"))
	assert.Equal(t, "stop_sequence", convertStopReason("content_filter"))
	assert.Equal(t, "end_turn", convertStopReason("something_unrecognized"))
}

func TestAnthropicToolsToOpenAIConvertsBareDefs(t *testing.T) {
	tools := []any{
		map[string]any{"name": "get_time", "description": "returns time", "input_schema": map[string]any{"type": "object"}},
	}
	out := anthropicToolsToOpenAI(tools)
	converted := out[0].(map[string]any)
	assert.Equal(t, "function", converted["type"])
	fn := converted["function"].(map[string]any)
	assert.Equal(t, "get_time", fn["name"])
	assert.Equal(t, "returns time", fn["description"])
}

func TestAnthropicToolsToOpenAIPassesThroughAlreadyConverted(t *testing.T) {
	tools := []any{
		map[string]any{"type": "function", "function": map[string]any{"name": "get_time"}},
	}
	out := anthropicToolsToOpenAI(tools)
	assert.Equal(t, tools[0], out[0])
}

func TestAnthropicMessagesToOpenAIExtractsToolResults(t *testing.T) {
	messages := []any{
		map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "toolu_abc", "content": "42"},
			},
		},
	}
	out := anthropicMessagesToOpenAI(messages)
	converted := out[0].(map[string]any)
	assert.Equal(t, "tool", converted["role"])
	assert.Equal(t, "call_abc", converted["tool_call_id"])
	assert.Equal(t, "42", converted["content"])
}

func TestAnthropicMessagesToOpenAIConvertsAssistantToolUse(t *testing.T) {
	messages := []any{
		map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "text", "text": "calling tool"},
				map[string]any{"type": "tool_use", "id": "toolu_abc", "name": "get_time", "input": map[string]any{"tz": "UTC"}},
			},
		},
	}
	out := anthropicMessagesToOpenAI(messages)
	msg := out[0].(map[string]any)
	assert.Equal(t, "calling tool", msg["content"])
	toolCalls := msg["tool_calls"].([]any)
	require.NotEmpty(t, toolCalls)
}
