package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicRequestInPassesThrough(t *testing.T) {
	tr := NewAnthropicTransformer(nil)
	req := &Request{Body: map[string]any{"model": "claude-3-opus"}}
	out, err := tr.RequestIn(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, req, out)
}

func TestAnthropicResponseOutBufferedIsNoOp(t *testing.T) {
	tr := NewAnthropicTransformer(nil)
	body := []byte(`{"type":"message","id":"msg_1"}`)
	out, err := tr.ResponseOut(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestAnthropicResponseOutStreamingReframesPayload(t *testing.T) {
	tr := NewAnthropicTransformer(nil)
	body := []byte(`{"type":"content_block_delta","index":0}`)
	out, err := tr.ResponseOut(context.Background(), body, &StreamState{})
	require.NoError(t, err)
	assert.Equal(t, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0}\n\n", string(out))
}

func TestAnthropicResponseOutStreamingMissingTypeFallsBack(t *testing.T) {
	tr := NewAnthropicTransformer(nil)
	body := []byte(`{"no_type_field":true}`)
	out, err := tr.ResponseOut(context.Background(), body, &StreamState{})
	require.NoError(t, err)
	assert.Equal(t, body, out, "malformed payload without a type field should pass through unframed")
}
