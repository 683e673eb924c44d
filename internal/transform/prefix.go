package transform

import "strings"

// stripProviderPrefix removes the router's "provider,model" encoding from
// req.Body's "model" field before the body reaches an upstream that only
// understands bare model names. The router writes the full pair back so
// downstream logging and the dispatcher agree on which provider handled
// the request; only this stage needs to undo it.
func stripProviderPrefix(req *Request) {
	m, ok := req.Body["model"].(string)
	if !ok {
		return
	}
	if _, bare, found := strings.Cut(m, ","); found {
		req.Body["model"] = bare
	}
}
