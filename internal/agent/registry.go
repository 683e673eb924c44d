package agent

import "strings"

// Agent groups a set of Tools under a name and a predicate deciding
// whether it should intercept a given tool_use block, mirroring picoclaw's
// ToolRegistry but scoped to one named agent instead of the whole process.
type Agent struct {
	Name  string
	Tools map[string]Tool
}

// NewSystemAgent builds the minimal built-in agent SPEC_FULL.md names:
// get_time and read_file, sandboxed to sandboxRoot.
func NewSystemAgent(sandboxRoot string) *Agent {
	a := &Agent{Name: "system", Tools: map[string]Tool{}}
	a.Register(NewGetTimeTool())
	a.Register(NewReadFileTool(sandboxRoot))
	return a
}

func (a *Agent) Register(t Tool) {
	a.Tools[normalizeToolName(t.Name())] = t
}

// ShouldHandle reports whether this agent owns the named tool, so the
// stream interceptor can decide whether a tool_use block should be
// executed locally or passed through to the client untouched.
func (a *Agent) ShouldHandle(toolName string) bool {
	_, ok := a.Tools[normalizeToolName(toolName)]
	return ok
}

// ToolNames lists every tool this agent owns, in no particular order (map
// iteration order).
func (a *Agent) ToolNames() []string {
	names := make([]string, 0, len(a.Tools))
	for n := range a.Tools {
		names = append(names, n)
	}
	return names
}

// Registry holds every configured Agent in registration order and resolves
// which one (if any) owns a given tool.
type Registry struct {
	agents []*Agent
}

func NewRegistry(agents ...*Agent) *Registry {
	return &Registry{agents: agents}
}

// Resolve returns the first Agent that claims toolName.
func (r *Registry) Resolve(toolName string) (*Agent, bool) {
	for _, a := range r.agents {
		if a.ShouldHandle(toolName) {
			return a, true
		}
	}
	return nil, false
}

// Definitions renders every agent's tools as Anthropic tool defs, for
// appending onto an outgoing request so the upstream model knows they
// exist. Each definition uses the tool's bare name, with no agent-name
// prefix, since ShouldHandle matches bare names.
func (r *Registry) Definitions() []map[string]any {
	var defs []map[string]any
	for _, a := range r.agents {
		for _, t := range a.Tools {
			defs = append(defs, Definition(t))
		}
	}
	return defs
}

// HasAgentTools reports whether any configured agent owns at least one of
// the named tools already present on the request, used to decide whether
// the interceptor needs to engage at all.
func (r *Registry) HasAgentTools(requestToolNames []string) bool {
	for _, name := range requestToolNames {
		if _, ok := r.Resolve(name); ok {
			return true
		}
	}
	return false
}

func normalizeToolName(name string) string {
	return strings.TrimSpace(name)
}
