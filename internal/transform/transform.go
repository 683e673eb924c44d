// Package transform implements the bidirectional wire-format pipeline
// between the Anthropic /v1/messages contract and each provider's native
// dialect, generalizing the teacher's per-provider Transform/TransformStream
// methods (internal/providers in the original tree) into a pluggable
// Transformer registry.
package transform

import (
	"context"
)

// Request is the mutable in-flight request body plus the headers that
// will accompany it upstream. Body is kept as a decoded map so built-in
// transformers can rewrite fields without a full struct roundtrip, matching
// the teacher's map[string]any-based proxy.go transforms.
type Request struct {
	Body    map[string]any
	Headers map[string]string
	Stream  bool

	// BaseURL is the provider's configured base URL, supplied by the
	// caller so a transformer can derive EndpointOverride from it.
	BaseURL string
	Model   string

	// EndpointOverride, when non-empty, replaces the provider's configured
	// base URL entirely. Gemini needs this since it encodes the model
	// name in the URL path rather than the request body.
	EndpointOverride string
}

// Response wraps either a buffered JSON body or a single SSE chunk moving
// through ResponseOut, never both at once.
type Response struct {
	Body      []byte
	SSEChunk  []byte
	StreamEnd bool
}

// StreamState carries per-connection state across repeated ResponseOut
// calls for one streaming response, generalizing the teacher's StreamState
// struct into an exported type transformers may type-assert their own
// concrete subtype out of via the Extra field.
type StreamState struct {
	MessageStartSent bool
	MessageID        string
	Model            string
	ContentBlocks    map[int]*ContentBlockState
	Extra            any
}

// ContentBlockState tracks one content block (text or tool_use) across
// streamed deltas.
type ContentBlockState struct {
	Type          string
	StartSent     bool
	StopSent      bool
	ToolCallID    string
	ToolCallIndex int
	ToolName      string
	Arguments     string
}

// Transformer is the bidirectional contract every built-in and custom
// provider dialect implements.
type Transformer interface {
	Name() string
	// RequestIn rewrites an Anthropic-shaped request into the provider's
	// wire format. It may also set endpoint/auth hints on the returned
	// Request (EndpointOverride, Headers).
	RequestIn(ctx context.Context, req *Request) (*Request, error)
	// ResponseOut rewrites one buffered response or stream chunk from the
	// provider's wire format back into Anthropic shape. state is nil for
	// non-streaming responses.
	ResponseOut(ctx context.Context, body []byte, state *StreamState) ([]byte, error)
}

// Factory constructs a fresh Transformer instance, since some
// transformers (OpenAI-compatible streaming state machines) are
// stateful per-connection.
type Factory func(opts map[string]any) Transformer
