// Package tokencount provides a deterministic, order-independent token
// counter for Anthropic-shaped requests, used by the routing decider's
// long-context threshold check.
package tokencount

import (
	"encoding/json"
	"sort"

	"github.com/pkoukk/tiktoken-go"
)

// Counter wraps a cl100k_base BPE encoder, the same encoding the teacher
// proxy used for its input-token estimate.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New constructs a Counter. It fails closed: if the encoding can't be
// loaded, Count returns 0 rather than the caller panicking on every
// request.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &Counter{enc: enc}, nil
}

// Count returns the BPE token length of s.
func (c *Counter) Count(s string) int {
	if c == nil || c.enc == nil {
		return 0
	}
	return len(c.enc.Encode(s, nil, nil))
}

// CountRequest canonicalizes the decoded Anthropic request body (sorting
// every object's keys before re-serializing) and counts the result, so
// that two requests differing only in JSON key order produce identical
// counts.
func (c *Counter) CountRequest(body map[string]any) int {
	canonical, err := json.Marshal(sortedJSON(body))
	if err != nil {
		return 0
	}
	return c.Count(string(canonical))
}

// sortedJSON recursively copies nested map[string]any and []any values;
// other types, including map[any]any, are returned unchanged. The key
// ordering itself comes from encoding/json, which sorts map[string]any
// keys lexically when marshaling.
func sortedJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sortedJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sortedJSON(val)
		}
		return out
	default:
		return v
	}
}

// keysOf exists for tests asserting canonicalization is order-stable.
func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
