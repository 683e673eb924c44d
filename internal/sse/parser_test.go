package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserNextReturnsFramesInOrder(t *testing.T) {
	raw := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n"
	p := NewParser(strings.NewReader(raw))

	f1, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "message_start", f1.Event)
	assert.Equal(t, `{"type":"message_start"}`, f1.Data)
	assert.False(t, f1.Done)

	f2, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "content_block_delta", f2.Event)
	assert.Equal(t, `{"type":"content_block_delta"}`, f2.Data)

	_, err = p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestParserJoinsMultilineData(t *testing.T) {
	raw := "event: message_start\ndata: line one\ndata: line two\n\n"
	p := NewParser(strings.NewReader(raw))

	f, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", f.Data)
}

func TestParserSkipsCommentLines(t *testing.T) {
	raw := ": keep-alive\nevent: ping\ndata: {}\n\n"
	p := NewParser(strings.NewReader(raw))

	f, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "ping", f.Event)
}

func TestParserRecognizesDoneSentinel(t *testing.T) {
	raw := "data: [DONE]\n\n"
	p := NewParser(strings.NewReader(raw))

	f, err := p.Next()
	require.NoError(t, err)
	assert.True(t, f.Done)
}

func TestParserEmitsTrailingFrameWithoutFinalBlankLine(t *testing.T) {
	raw := "event: message_stop\ndata: {\"type\":\"message_stop\"}"
	p := NewParser(strings.NewReader(raw))

	f, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "message_stop", f.Event)

	_, err = p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestParserReturnsEOFOnEmptyInput(t *testing.T) {
	p := NewParser(strings.NewReader(""))
	_, err := p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeMessageStartPopulatesFields(t *testing.T) {
	ev, err := Decode("message_start", []byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet","usage":{"input_tokens":10}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessageStart, ev.Type)
	assert.Equal(t, "msg_1", ev.MessageID)
	assert.Equal(t, "claude-3-5-sonnet", ev.Model)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 10, ev.Usage.InputTokens)
}

func TestDecodeContentBlockStartPopulatesBlock(t *testing.T) {
	ev, err := Decode("content_block_start", []byte(`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_time"}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Index)
	require.NotNil(t, ev.Block)
	assert.Equal(t, "tool_use", ev.Block.Type)
	assert.Equal(t, "get_time", ev.Block.Name)
}

func TestDecodeContentBlockDeltaPopulatesDelta(t *testing.T) {
	ev, err := Decode("content_block_delta", []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Delta)
	assert.Equal(t, "input_json_delta", ev.Delta.Type)
	assert.Equal(t, "{}", ev.Delta.PartialJSON)
}

func TestDecodeMessageDeltaPopulatesStopReasonAndUsage(t *testing.T) {
	ev, err := Decode("message_delta", []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.StopReason)
	assert.Equal(t, "end_turn", *ev.StopReason)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 5, ev.Usage.OutputTokens)
}

func TestDecodeUnknownEventStillSucceeds(t *testing.T) {
	ev, err := Decode("ping", []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, EventPing, ev.Type)
}

func TestDecodeInvalidJSONErrors(t *testing.T) {
	_, err := Decode("message_start", []byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeRepairsKnownTruncationBug(t *testing.T) {
	ev, err := Decode("message_delta", []byte(`{"type":"message_delta","delta":{},"usage":{"output_to":7}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 7, ev.Usage.OutputTokens)
}

func TestEncodeRoundTripsTypeAndPayload(t *testing.T) {
	out := Encode(EventMessageStop, map[string]any{"type": "message_stop"})
	assert.Equal(t, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n", string(out))
}

func TestEncodeRawForwardsBytesVerbatim(t *testing.T) {
	out := EncodeRaw(EventPing, []byte(`{"type":"ping"}`))
	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", string(out))
}

func TestEncodeFallsBackOnMarshalFailure(t *testing.T) {
	out := Encode(EventMessageStop, make(chan int))
	assert.Contains(t, string(out), "failed to marshal")
}
