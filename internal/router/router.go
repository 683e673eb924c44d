// Package router implements the Routing Decider: the deterministic
// algorithm that picks a "provider,model" pair for an incoming Anthropic
// request, generalizing the teacher proxy's inline selectModel method
// into a standalone, independently-testable component with the fixed
// precedence order and directive extraction the distilled spec adds on
// top of the teacher's simpler four-branch version.
package router

import (
	"regexp"
	"strings"

	"github.com/ccrelay/ccrelay/internal/breaker"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/tokencount"
)

// Decision is the outcome of Decide: which provider/model to dispatch to,
// with the routing slot that produced it for logging.
type Decision struct {
	Provider string
	Model    string
	Slot     string
	Tokens   int
}

var (
	subagentModelDirective = regexp.MustCompile(`<CCR-SUBAGENT-MODEL>(.*?)</CCR-SUBAGENT-MODEL>`)
	toolUseRouterDirective = regexp.MustCompile(`<CCR-TOOLUSE-ROUTER>(.*?)</CCR-TOOLUSE-ROUTER>`)
)

// Decider holds the dependencies routing needs: the token counter (step
// 3) and the circuit breaker store (fallback substitution).
type Decider struct {
	counter  *tokencount.Counter
	breakers *breaker.Store
	custom   CustomRouter
}

// CustomRouter is the optional external hook (step 2). A nil CustomRouter
// skips straight to step 3. No loader in this module builds a CustomRouter
// from Router.CustomRouterPath; the server passes nil, so step 2 never runs.
type CustomRouter interface {
	Route(body map[string]any, router config.RouterConfig) (slot string, ok bool)
}

func New(counter *tokencount.Counter, breakers *breaker.Store, custom CustomRouter) *Decider {
	return &Decider{counter: counter, breakers: breakers, custom: custom}
}

// Decide runs the fixed-precedence algorithm against the decoded request
// body, mutating body's "model" field in place and stripping any inline
// directive tags from the system/last-user-message text as a side effect.
// providers is the configured provider catalog, consulted only to resolve
// and canonicalize an explicit "provider,model" pair (step 1); it may be
// nil, which skips that validation and accepts the pair as given. It
// returns the resolved Decision.
func (d *Decider) Decide(body map[string]any, cfg config.RouterConfig, providers []config.Provider) Decision {
	explicit, _ := body["model"].(string)

	// Step 1: explicit "provider,model" in the request wins outright, once
	// both names resolve against the configured Providers and are
	// normalized back to their canonical casing.
	if strings.Contains(explicit, ",") {
		if canonical, ok := resolveExplicitPair(explicit, providers); ok {
			return d.finalize(canonical, "explicit", body, cfg)
		}
	}

	// Step 2: custom router hook.
	if d.custom != nil {
		if slot, ok := d.custom.Route(body, cfg); ok {
			if resolved := slotValue(cfg, slot); resolved != "" {
				return d.finalize(resolved, "custom-router", body, cfg)
			}
		}
	}

	tokens := 0
	if d.counter != nil {
		tokens = d.counter.CountRequest(body)
	}

	// Step 3: long-context threshold, strictly greater than.
	threshold := cfg.LongContextThreshold
	if threshold <= 0 {
		threshold = config.DefaultLongContextThreshold
	}
	if tokens > threshold && cfg.LongContext != "" {
		dec := d.finalize(cfg.LongContext, "long-context", body, cfg)
		dec.Tokens = tokens
		return dec
	}

	// Step 4: inline <CCR-SUBAGENT-MODEL> or <CCR-TOOLUSE-ROUTER> directive
	// in the system/last-user-message text, whichever is present, strips
	// itself and wins outright.
	if model, ok := extractDirective(body, subagentModelDirective); ok {
		dec := d.finalize(model, "directive:subagent-model", body, cfg)
		dec.Tokens = tokens
		return dec
	}
	if slotName, ok := extractDirective(body, toolUseRouterDirective); ok {
		if resolved := slotValue(cfg, slotName); resolved != "" {
			dec := d.finalize(resolved, "directive:tooluse-router", body, cfg)
			dec.Tokens = tokens
			return dec
		}
	}

	// Step 5: claude-3-5-haiku prefix -> background.
	if strings.HasPrefix(explicit, "claude-3-5-haiku") && cfg.Background != "" {
		dec := d.finalize(cfg.Background, "background", body, cfg)
		dec.Tokens = tokens
		return dec
	}

	// Step 6: thinking flag -> think.
	if thinking, ok := body["thinking"].(map[string]any); ok && len(thinking) > 0 && cfg.Think != "" {
		dec := d.finalize(cfg.Think, "think", body, cfg)
		dec.Tokens = tokens
		return dec
	}

	// Step 7: web_search tool present -> webSearch.
	if hasWebSearchTool(body) && cfg.WebSearch != "" {
		dec := d.finalize(cfg.WebSearch, "web-search", body, cfg)
		dec.Tokens = tokens
		return dec
	}

	// Step 8: tools present or in-flight tool_use content -> toolUse.
	if (hasAnyTools(body) || hasInFlightToolUse(body)) && cfg.ToolUse != "" {
		dec := d.finalize(cfg.ToolUse, "tool-use", body, cfg)
		dec.Tokens = tokens
		return dec
	}

	// Step 9: default, or the explicit unqualified model if no default.
	target := cfg.Default
	if target == "" {
		target = explicit
	}
	dec := d.finalize(target, "default", body, cfg)
	dec.Tokens = tokens
	return dec
}

// finalize splits "provider,model", substitutes the configured fallback
// if the provider's breaker is open, writes the full "provider,model" pair
// back into body.model, and returns the Decision. Transformers strip the
// provider half again at request-in time, once it has done its job of
// telling the dispatcher which upstream to hit.
func (d *Decider) finalize(slot, slotName string, body map[string]any, cfg config.RouterConfig) Decision {
	provider, model := config.SplitProviderModel(slot)

	if d.breakers != nil && provider != "" && d.breakers.State(provider) != 0 /* not Closed */ && cfg.Fallback != "" {
		fbProvider, fbModel := config.SplitProviderModel(cfg.Fallback)
		provider, model = fbProvider, fbModel
		slotName = slotName + "+fallback"
	}

	if provider != "" {
		body["model"] = provider + "," + model
	} else {
		body["model"] = model
	}
	return Decision{Provider: provider, Model: model, Slot: slotName}
}

// resolveExplicitPair validates an explicit "provider,model" string against
// the configured providers, normalizing both names back to their configured
// casing. It returns ok=false when the named provider isn't configured,
// so the caller falls through to the remaining steps instead of routing to
// a provider that will fail at dispatch. With no providers configured
// (providers is empty, e.g. in isolated unit tests) validation is skipped
// and the pair is accepted as given.
func resolveExplicitPair(explicit string, providers []config.Provider) (string, bool) {
	provider, model := config.SplitProviderModel(explicit)
	if provider == "" {
		return "", false
	}
	if len(providers) == 0 {
		return explicit, true
	}
	for _, p := range providers {
		if !strings.EqualFold(p.Name, provider) {
			continue
		}
		canonicalModel := model
		for _, m := range p.Models {
			if strings.EqualFold(m, model) {
				canonicalModel = m
				break
			}
		}
		for _, m := range p.DefaultModels {
			if strings.EqualFold(m, model) {
				canonicalModel = m
				break
			}
		}
		return p.Name + "," + canonicalModel, true
	}
	return "", false
}

func slotValue(cfg config.RouterConfig, name string) string {
	switch name {
	case "default":
		return cfg.Default
	case "background":
		return cfg.Background
	case "think":
		return cfg.Think
	case "longContext":
		return cfg.LongContext
	case "webSearch":
		return cfg.WebSearch
	case "toolUse":
		return cfg.ToolUse
	case "fallback":
		return cfg.Fallback
	default:
		return ""
	}
}

// extractDirective finds re in the system prompt or the last user
// message's text, strips the tag from that text in place, and returns
// its captured content.
func extractDirective(body map[string]any, re *regexp.Regexp) (string, bool) {
	if system, ok := body["system"].(string); ok {
		if m := re.FindStringSubmatch(system); m != nil {
			body["system"] = re.ReplaceAllString(system, "")
			return strings.TrimSpace(m[1]), true
		}
	}

	messages, ok := body["messages"].([]any)
	if !ok || len(messages) == 0 {
		return "", false
	}
	last, ok := messages[len(messages)-1].(map[string]any)
	if !ok {
		return "", false
	}

	switch content := last["content"].(type) {
	case string:
		if m := re.FindStringSubmatch(content); m != nil {
			last["content"] = re.ReplaceAllString(content, "")
			return strings.TrimSpace(m[1]), true
		}
	case []any:
		for _, block := range content {
			bm, ok := block.(map[string]any)
			if !ok {
				continue
			}
			text, ok := bm["text"].(string)
			if !ok {
				continue
			}
			if m := re.FindStringSubmatch(text); m != nil {
				bm["text"] = re.ReplaceAllString(text, "")
				return strings.TrimSpace(m[1]), true
			}
		}
	}
	return "", false
}

func hasWebSearchTool(body map[string]any) bool {
	tools, ok := body["tools"].([]any)
	if !ok {
		return false
	}
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := tm["name"].(string); strings.Contains(name, "web_search") {
			return true
		}
		if typ, _ := tm["type"].(string); strings.Contains(typ, "web_search") {
			return true
		}
	}
	return false
}

func hasAnyTools(body map[string]any) bool {
	tools, ok := body["tools"].([]any)
	return ok && len(tools) > 0
}

func hasInFlightToolUse(body map[string]any) bool {
	messages, ok := body["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range messages {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := mm["content"].([]any)
		if !ok {
			continue
		}
		for _, block := range content {
			bm, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := bm["type"].(string); t == "tool_use" || t == "tool_result" {
				return true
			}
		}
	}
	return false
}
