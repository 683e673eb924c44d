package agent

// ProcessingState is the stream interceptor's state machine position for
// one in-flight SSE response.
type ProcessingState int

const (
	// Idle: passing content_block events through untouched.
	Idle ProcessingState = iota
	// Capturing: accumulating a tool_use block's incremental JSON input
	// because it names a tool an Agent owns, so nothing is forwarded to
	// the client until the block closes and can be executed.
	Capturing
	// Splicing: the captured tool_use has been executed and a
	// continuation request is in flight; the client sees nothing until
	// the continuation's own events start arriving.
	Splicing
)

func (s ProcessingState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Splicing:
		return "splicing"
	default:
		return "unknown"
	}
}

// PendingToolUse accumulates one tool_use content block's fields across
// content_block_start/delta/stop events while the interceptor is in the
// Capturing state.
type PendingToolUse struct {
	Index     int
	ID        string
	Name      string
	InputJSON string
}

// InterceptorState is the per-connection state the stream interceptor
// carries across SSE events for one response.
type InterceptorState struct {
	Phase   ProcessingState
	Pending *PendingToolUse
	// Body is the original request body (system, tools, model, prior
	// messages) the continuation request is built from.
	Body map[string]any
	// Messages accumulates the synthetic tool_use/tool_result turns
	// appended onto Body's messages for the continuation request.
	Messages []map[string]any
	// SuppressTerminator is set once a continuation has been spliced in,
	// so the original stream's own trailing message_delta/message_stop
	// (superseded by the continuation's) is swallowed instead of
	// forwarded as a second terminator pair.
	SuppressTerminator bool
}

func NewInterceptorState(body map[string]any) *InterceptorState {
	return &InterceptorState{Phase: Idle, Body: body}
}

// BeginCapture transitions Idle -> Capturing for the tool_use block at
// index, owned by an Agent.
func (s *InterceptorState) BeginCapture(index int, id, name string) {
	s.Phase = Capturing
	s.Pending = &PendingToolUse{Index: index, ID: id, Name: name}
}

// AppendInput accumulates one input_json_delta fragment onto the pending
// tool_use block.
func (s *InterceptorState) AppendInput(partial string) {
	if s.Pending != nil {
		s.Pending.InputJSON += partial
	}
}

// EndCapture transitions Capturing -> Splicing, returning the completed
// PendingToolUse for execution.
func (s *InterceptorState) EndCapture() *PendingToolUse {
	p := s.Pending
	s.Phase = Splicing
	return p
}

// Reset transitions back to Idle once a continuation's response has begun
// streaming its own events to the client.
func (s *InterceptorState) Reset() {
	s.Phase = Idle
	s.Pending = nil
}
