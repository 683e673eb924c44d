// Package sse parses and emits Anthropic Server-Sent Event streams. The
// frame-splitting approach generalizes the bufio.Scanner-over-lines loop
// the teacher proxy ran inline in its streaming handler into a standalone
// parser that yields typed events instead of forwarding raw text.
package sse

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the Anthropic SSE event names.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventUnknown           EventType = ""
)

// ContentBlock mirrors an Anthropic content_block_start payload's block.
type ContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage mirrors the usage object carried on message_start/message_delta.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Delta mirrors a content_block_delta payload's delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Event is the tagged union over every SSE frame the parser understands.
// Raw carries the original bytes so an unrecognized or pass-through event
// can still be forwarded verbatim.
type Event struct {
	Type  EventType
	Raw   []byte
	Index int

	Block      *ContentBlock
	Delta      *Delta
	Usage      *Usage
	StopReason *string
	MessageID  string
	Model      string
}

// truncationFixes is the explicit allow-list of known upstream field-name
// bugs the parser repairs before decoding JSON, per the spec's truncation
// recovery rule. It is not a general fuzzy-repair mechanism.
var truncationFixes = map[string]string{
	`"output_to"`: `"output_tokens"`,
}

func repair(data []byte) []byte {
	s := string(data)
	for bad, good := range truncationFixes {
		if bytesContains(s, bad) {
			s = bytesReplace(s, bad, good)
		}
	}
	return []byte(s)
}

func bytesContains(s, sub string) bool {
	return len(sub) == 0 || indexOf(s, sub) >= 0
}

func bytesReplace(s, old, new string) string {
	out := ""
	for {
		i := indexOf(s, old)
		if i < 0 {
			return out + s
		}
		out += s[:i] + new
		s = s[i+len(old):]
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// Decode parses a single "data: {...}" JSON payload (already stripped of
// the "data: " prefix) paired with its SSE "event:" name into a typed
// Event. Unknown event names still decode successfully, keeping their
// name as Type, so a pass-through forwarder never has to special-case them.
func Decode(eventName string, data []byte) (Event, error) {
	data = repair(data)

	ev := Event{Type: EventType(eventName), Raw: data}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ev, fmt.Errorf("sse: decode payload: %w", err)
	}

	if idx, ok := raw["index"]; ok {
		_ = json.Unmarshal(idx, &ev.Index)
	}

	switch EventType(eventName) {
	case EventMessageStart:
		var msg struct {
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
				Usage Usage  `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			ev.MessageID = msg.Message.ID
			ev.Model = msg.Message.Model
			ev.Usage = &msg.Message.Usage
		}
	case EventContentBlockStart:
		var block struct {
			ContentBlock ContentBlock `json:"content_block"`
		}
		if err := json.Unmarshal(data, &block); err == nil {
			ev.Block = &block.ContentBlock
		}
	case EventContentBlockDelta:
		var d struct {
			Delta Delta `json:"delta"`
		}
		if err := json.Unmarshal(data, &d); err == nil {
			ev.Delta = &d.Delta
		}
	case EventMessageDelta:
		var d struct {
			Delta struct {
				StopReason *string `json:"stop_reason"`
			} `json:"delta"`
			Usage *Usage `json:"usage"`
		}
		if err := json.Unmarshal(data, &d); err == nil {
			ev.StopReason = d.Delta.StopReason
			ev.Usage = d.Usage
		}
	}

	return ev, nil
}

// Encode renders an event back into "event: <type>\ndata: <json>\n\n" wire
// format, marshaling payload fresh.
func Encode(eventType EventType, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"failed to marshal sse payload"}`)
	}
	return EncodeRaw(eventType, data)
}

// EncodeRaw wraps already-serialized JSON bytes in the same SSE framing,
// for forwarding a decoded Event's Raw payload byte-identical to what was
// decoded instead of round-tripping it through another json.Marshal.
func EncodeRaw(eventType EventType, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
}
