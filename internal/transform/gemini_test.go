package transform

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiRequestInBuildsContentsAndEndpoint(t *testing.T) {
	tr := NewGeminiTransformer(nil)
	req := &Request{
		Body: map[string]any{
			"system":      "be terse",
			"max_tokens":  float64(256),
			"temperature": 0.5,
			"messages": []any{
				map[string]any{"role": "user", "content": "hello"},
			},
		},
		BaseURL: "https://generativelanguage.googleapis.com/v1beta/models",
		Model:   "gemini-2.0-flash",
		Stream:  true,
	}
	out, err := tr.RequestIn(context.Background(), req)
	require.NoError(t, err)

	contents, ok := out.Body["contents"].([]any)
	require.True(t, ok)
	require.Len(t, contents, 2, "system message + user message")

	genConfig, ok := out.Body["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 256, genConfig["maxOutputTokens"])

	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent", out.EndpointOverride)
}

func TestGeminiEndpointNonStreaming(t *testing.T) {
	url := geminiEndpoint("https://generativelanguage.googleapis.com/v1beta/models", "gemini-2.0-flash", false)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", url)
}

func TestConvertMessageToGeminiContentMapsAssistantToModel(t *testing.T) {
	content, err := convertMessageToGeminiContent(map[string]any{
		"role":    "assistant",
		"content": "hi there",
	})
	require.NoError(t, err)
	assert.Equal(t, "model", content["role"])
}

func TestConvertMessageToGeminiContentRejectsUnknownRole(t *testing.T) {
	_, err := convertMessageToGeminiContent(map[string]any{"role": "system", "content": "x"})
	assert.Error(t, err)
}

func TestGeminiConvertBufferedText(t *testing.T) {
	tr := NewGeminiTransformer(nil)
	data := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "hi"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 1}
	}`)
	out, err := tr.ResponseOut(context.Background(), data, nil)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "end_turn", decoded["stop_reason"])
	content := decoded["content"].([]any)
	assert.Equal(t, "hi", content[0].(map[string]any)["text"])
}

func TestGeminiConvertBufferedToolCall(t *testing.T) {
	tr := NewGeminiTransformer(nil)
	data := []byte(`{
		"candidates": [{"content": {"parts": [{"functionCall": {"name": "get_time", "args": {"tz": "UTC"}}}]}, "finishReason": "STOP"}]
	}`)
	out, err := tr.ResponseOut(context.Background(), data, nil)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	content := decoded["content"].([]any)
	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_time", block["name"])
}

func TestGeminiConvertStreamChunkEmitsCompleteToolBlock(t *testing.T) {
	tr := NewGeminiTransformer(nil)
	state := &StreamState{}
	data := []byte(`{
		"candidates": [{"content": {"parts": [{"functionCall": {"name": "get_time", "args": {}}}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 1}
	}`)
	out, err := tr.ResponseOut(context.Background(), data, state)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "message_start")
	assert.Contains(t, s, "content_block_start")
	assert.Contains(t, s, "content_block_stop")
	assert.Contains(t, s, "message_stop")
}

func TestGeminiFinishReasonMapping(t *testing.T) {
	assert.Equal(t, "end_turn", geminiFinishReason("STOP"))
	assert.Equal(t, "max_tokens", geminiFinishReason("MAX_TOKENS"))
	assert.Equal(t, "stop_sequence", geminiFinishReason("SAFETY"))
	assert.Equal(t, "end_turn", geminiFinishReason("UNKNOWN"))
}
