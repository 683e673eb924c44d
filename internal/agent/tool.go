// Package agent implements the built-in tool-dispatch loop: a minimal
// "system" agent that intercepts specific tool_use blocks in an outgoing
// SSE stream, executes them locally instead of forwarding them to the
// client, and splices a continuation request back through the pipeline.
// Grounded on picoclaw's RunToolLoop iteration shape and the proxy
// composition style of iSevenDays' simple-proxy handler.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ccrelay/ccrelay/internal/secpath"
)

// Tool is one locally-executable function an Agent can dispatch to.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// Definition renders a Tool as the Anthropic tools[] wire shape, so the
// agent's own tools can be appended to an outgoing request the same way
// picoclaw's ToolRegistry.ToProviderDefs renders provider tool defs.
func Definition(t Tool) map[string]any {
	return map[string]any{
		"name":         t.Name(),
		"description":  t.Description(),
		"input_schema": t.InputSchema(),
	}
}

// getTimeTool returns the current time, grounded as the simplest possible
// built-in: no arguments, no side effects, deterministic shape.
type getTimeTool struct{ now func() time.Time }

func NewGetTimeTool() Tool { return &getTimeTool{now: time.Now} }

func (t *getTimeTool) Name() string        { return "get_time" }
func (t *getTimeTool) Description() string { return "Returns the current UTC time in RFC3339 format." }
func (t *getTimeTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *getTimeTool) Execute(_ context.Context, _ map[string]any) (string, error) {
	return t.now().UTC().Format(time.RFC3339), nil
}

// readFileTool reads a file from under a sandboxed root, resolving the
// requested path via secpath.Resolve so the agent can't be steered outside
// its configured directory.
type readFileTool struct{ root string }

func NewReadFileTool(root string) Tool { return &readFileTool{root: root} }

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Reads a text file relative to the agent's sandboxed root." }
func (t *readFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path relative to the sandbox root."},
		},
		"required": []string{"path"},
	}
}

func (t *readFileTool) Execute(_ context.Context, input map[string]any) (string, error) {
	rel, _ := input["path"].(string)
	if rel == "" {
		return "", fmt.Errorf("agent: read_file requires a non-empty path")
	}
	full, err := secpath.Resolve(t.root, rel)
	if err != nil {
		return "", fmt.Errorf("agent: read_file: %w", err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("agent: read_file: %w", err)
	}
	return string(data), nil
}

// marshalResult renders a tool's return value as the text payload of an
// Anthropic tool_result content block.
func marshalResult(v string, err error) map[string]any {
	if err != nil {
		return map[string]any{"type": "text", "text": err.Error()}
	}
	return map[string]any{"type": "text", "text": v}
}

// decodeInput parses a tool_use block's raw JSON input, tolerating an
// already-empty object the way a zero-argument tool call produces one.
func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
