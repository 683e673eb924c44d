// Package upstream sends the transformed request to the chosen provider
// and returns its response, generalizing the teacher's inline
// http.DefaultClient.Do call in proxy.go's ServeHTTP into a retrying,
// breaker-aware dispatcher.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ccrelay/ccrelay/internal/apierr"
	"github.com/ccrelay/ccrelay/internal/breaker"
	"github.com/ccrelay/ccrelay/internal/config"
)

// Result is an upstream response with decompression already applied.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Streaming  bool
}

// RetryPolicy configures the exponential-backoff-with-jitter retry loop,
// grounded on the nexus repo's internal/retry.Config shape.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 1 * time.Second, MaxDelay: 30 * time.Second, Factor: 2.0}
}

// Dispatcher sends requests to providers, retrying transient failures and
// recording outcomes against the per-provider circuit breaker.
type Dispatcher struct {
	client *http.Client
	breakers *breaker.Store
	policy   RetryPolicy
}

func New(client *http.Client, breakers *breaker.Store) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{client: client, breakers: breakers, policy: DefaultRetryPolicy()}
}

// permanentError marks a response-status failure that retrying would not
// fix (e.g. 4xx other than 429), mirroring the pack's Permanent/IsPermanent
// convention for distinguishing transient from terminal errors.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Send issues the upstream HTTP request, retrying network errors and
// 429/5xx responses with exponential backoff and jitter, and trips the
// named provider's breaker once retries are exhausted.
func (d *Dispatcher) Send(ctx context.Context, providerName string, req *http.Request, bodyBytes []byte) (*Result, error) {
	if d.breakers != nil && !d.breakers.Allow(providerName) {
		return nil, apierr.WithProvider(apierr.New(apierr.KindOverloaded, fmt.Sprintf("provider %s is temporarily unavailable", providerName)), providerName, "")
	}

	var resp *http.Response
	var lastErr error

	delay := d.policy.InitialDelay
	maxAttempts := d.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		attemptReq := req.Clone(ctx)
		if bodyBytes != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			attemptReq.ContentLength = int64(len(bodyBytes))
		}

		r, err := d.client.Do(attemptReq)
		if err != nil {
			lastErr = err
		} else if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			r.Body.Close()
			lastErr = fmt.Errorf("upstream: %s returned status %d", providerName, r.StatusCode)
		} else if r.StatusCode >= 400 {
			// Permanent: client error other than 429 won't be fixed by retrying.
			lastErr = &permanentError{err: fmt.Errorf("upstream: %s returned status %d", providerName, r.StatusCode)}
			resp = r
			break
		} else {
			resp = r
			lastErr = nil
			break
		}

		var permanent *permanentError
		if asPermanent(lastErr, &permanent) {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		sleep := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * d.policy.Factor)
		if delay > d.policy.MaxDelay {
			delay = d.policy.MaxDelay
		}
	}

	if resp == nil {
		if d.breakers != nil {
			d.breakers.RecordFailure(providerName)
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("upstream: %s request failed", providerName)
		}
		return nil, apierr.WithProvider(apierr.Wrap(apierr.KindUpstream, lastErr, fmt.Sprintf("upstream request to %s failed", providerName)), providerName, "")
	}

	// A resp paired with a permanentError (4xx) is still a real response to
	// forward to the client, but it counts as a provider-side failure for
	// breaker purposes only when it reflects a server-side problem.
	if lastErr == nil {
		if d.breakers != nil {
			d.breakers.RecordSuccess(providerName)
		}
	}

	bodyReader, err := decompress(resp)
	if err != nil {
		resp.Body.Close()
		return nil, apierr.WithProvider(apierr.Wrap(apierr.KindUpstream, err, "decompress upstream response"), providerName, "")
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bodyReader,
		Streaming:  isEventStream(resp.Header),
	}, nil
}

func asPermanent(err error, target **permanentError) bool {
	p, ok := err.(*permanentError)
	if ok {
		*target = p
	}
	return ok
}

func decompress(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedReadCloser{Reader: gz, orig: resp.Body}, nil
	case "br":
		return &wrappedReadCloser{Reader: brotli.NewReader(resp.Body), orig: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedReadCloser struct {
	io.Reader
	orig io.Closer
}

func (w *wrappedReadCloser) Close() error { return w.orig.Close() }

func isEventStream(h http.Header) bool {
	ct := h.Get("Content-Type")
	return len(ct) >= len("text/event-stream") && ct[:len("text/event-stream")] == "text/event-stream"
}

// BuildRequest assembles the outbound *http.Request for a provider call,
// setting auth the way the teacher's setAuthHeader does: Gemini uses the
// x-goog-api-key header, everything else uses a Bearer token.
func BuildRequest(ctx context.Context, method, url string, body []byte, headers http.Header, provider config.Provider) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	if provider.APIKey != "" {
		switch provider.Name {
		case "gemini":
			req.Header.Set("x-goog-api-key", provider.APIKey)
		default:
			req.Header.Set("Authorization", "Bearer "+provider.APIKey)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// DefaultTimeout is applied to the upstream client when the deployment
// config does not specify API_TIMEOUT_MS.
const DefaultTimeout = 120 * time.Second
