package transform

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the built-in transformer factories plus an optional
// plugin Loader (plugin.go); custom transformers are launched through the
// Loader when a pipeline names them and are never registered here,
// generalizing the
// teacher's providers.Registry (which kept concrete *Provider instances)
// into a name -> Factory map so transformers can be instantiated fresh
// per connection.
type Registry struct {
	mu      sync.RWMutex
	factory map[string]Factory
	loader  *Loader
}

func NewRegistry() *Registry {
	r := &Registry{factory: make(map[string]Factory)}
	r.Initialize()
	return r
}

// SetLoader wires the plugin loader used to resolve "custom" pipeline
// entries. Deployments with no custom-transformer plugins configured
// never need to call this.
func (r *Registry) SetLoader(l *Loader) {
	r.loader = l
}

// Initialize registers every built-in transformer. Custom transformers
// are not registered; BuildPipeline loads them through the Loader.
func (r *Registry) Initialize() {
	r.Register("anthropic", NewAnthropicTransformer)
	r.Register("openai", NewOpenAITransformer)
	r.Register("openrouter", NewOpenRouterTransformer)
	r.Register("nvidia", NewNvidiaTransformer)
	r.Register("gemini", NewGeminiTransformer)
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory[name] = f
}

// New instantiates a fresh Transformer for name with the given per-model
// options, or an error if name is unknown.
func (r *Registry) New(name string, opts map[string]any) (Transformer, error) {
	r.mu.RLock()
	f, ok := r.factory[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transform: unknown transformer %q", name)
	}
	return f(opts), nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factory[name]
	return ok
}

// Entry is one element of a provider's configured transformer pipeline:
// a transformer name plus its per-entry options, e.g.
// ["custom:creative-writer", {"temperature": 0.9}]. Path names the plugin
// executable (relative to the plugins root) when Name == "custom".
type Entry struct {
	Name string
	Opts map[string]any
	Path string
}

// Pipeline chains multiple transformers' RequestIn calls in list order and
// their ResponseOut calls in reverse order, so the last transformer to
// touch the outgoing request is the first to see the incoming response -
// mirroring the onion-layering every middleware chain in this codebase
// uses.
type Pipeline struct {
	stages []Transformer
}

// BuildPipeline resolves a list of Entry specs against the registry into a
// concrete Pipeline. An entry named "custom" is dispatched to the loader
// set via SetLoader instead of the built-in factory map.
func (r *Registry) BuildPipeline(entries []Entry) (*Pipeline, error) {
	stages := make([]Transformer, 0, len(entries))
	for _, e := range entries {
		if e.Name == "custom" {
			if r.loader == nil {
				return nil, fmt.Errorf("transform: custom transformer %q requested but no plugin loader configured", e.Path)
			}
			t, err := r.loader.Load(e.Path, e.Path)
			if err != nil {
				return nil, err
			}
			stages = append(stages, t)
			continue
		}
		t, err := r.New(e.Name, e.Opts)
		if err != nil {
			return nil, err
		}
		stages = append(stages, t)
	}
	return &Pipeline{stages: stages}, nil
}

func (p *Pipeline) Len() int { return len(p.stages) }

func (p *Pipeline) Stages() []Transformer { return p.stages }

// RequestIn runs every stage's RequestIn in order, so each stage sees the
// previous stage's output request.
func (p *Pipeline) RequestIn(ctx context.Context, req *Request) (*Request, error) {
	var err error
	for _, stage := range p.stages {
		req, err = stage.RequestIn(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("transform: stage %s: %w", stage.Name(), err)
		}
	}
	return req, nil
}

// ResponseOut runs every stage's ResponseOut in reverse order (the last
// stage to touch the request is the first to see the raw upstream
// response), threading one StreamState per stage when streaming.
func (p *Pipeline) ResponseOut(ctx context.Context, body []byte, states []*StreamState) ([]byte, error) {
	var err error
	for i := len(p.stages) - 1; i >= 0; i-- {
		var state *StreamState
		if states != nil {
			state = states[i]
		}
		body, err = p.stages[i].ResponseOut(ctx, body, state)
		if err != nil {
			return nil, fmt.Errorf("transform: stage %s: %w", p.stages[i].Name(), err)
		}
	}
	return body, nil
}

// NewStreamStates allocates one StreamState per pipeline stage for a fresh
// streaming connection.
func (p *Pipeline) NewStreamStates() []*StreamState {
	states := make([]*StreamState, len(p.stages))
	for i := range states {
		states[i] = &StreamState{}
	}
	return states
}
