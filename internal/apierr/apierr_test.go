package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusDefaultsByKind(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, New(KindInvalidRequest, "x").HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, New(KindAuthentication, "x").HTTPStatus())
	assert.Equal(t, http.StatusForbidden, New(KindPermission, "x").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, New(KindNotFound, "x").HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, New(KindRateLimit, "x").HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, New(KindOverloaded, "x").HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, New(KindUpstream, "x").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, New(KindInternal, "x").HTTPStatus())
}

func TestHTTPStatusExplicitOverridesKind(t *testing.T) {
	err := &Error{Kind: KindInvalidRequest, Status: http.StatusTeapot, Message: "x"}
	assert.Equal(t, http.StatusTeapot, err.HTTPStatus())
}

func TestWithProviderClonesExistingError(t *testing.T) {
	base := New(KindUpstream, "boom")
	wrapped := WithProvider(base, "openrouter", "claude-3.5")

	assert.Equal(t, "openrouter", wrapped.Provider)
	assert.Equal(t, "claude-3.5", wrapped.Model)
	assert.Equal(t, KindUpstream, wrapped.Kind)
	// base itself must not be mutated; WithProvider clones.
	assert.Empty(t, base.Provider)
}

func TestWithProviderWrapsPlainError(t *testing.T) {
	plain := errors.New("network reset")
	wrapped := WithProvider(plain, "gemini", "gemini-pro")

	assert.Equal(t, KindInternal, wrapped.Kind)
	assert.Equal(t, "gemini", wrapped.Provider)
	assert.ErrorIs(t, wrapped, plain)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindRateLimit, "x")))
	assert.True(t, Retryable(New(KindOverloaded, "x")))
	assert.True(t, Retryable(New(KindUpstream, "x")))
	assert.False(t, Retryable(New(KindInvalidRequest, "x")))
	assert.False(t, Retryable(errors.New("not an Error")))

	apiErr500 := &Error{Kind: KindAPI, Status: 500, Message: "x"}
	apiErr400 := &Error{Kind: KindAPI, Status: 400, Message: "x"}
	assert.True(t, Retryable(apiErr500))
	assert.False(t, Retryable(apiErr400))
}

func TestToBodyWrapsNonTaxonomyErrors(t *testing.T) {
	status, body := ToBody(errors.New("unexpected"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, string(KindInternal), body.Error.Type)
	assert.Equal(t, "unexpected", body.Error.Message)
}

func TestToBodyRoundTripsThroughJSON(t *testing.T) {
	_, body := ToBody(New(KindNotFound, "no such provider"))
	data, err := json.Marshal(body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	errObj, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "no such provider", errObj["message"])
}

func TestErrorStringIncludesProviderWhenSet(t *testing.T) {
	err := &Error{Kind: KindUpstream, Provider: "openrouter", Model: "gpt-4", Message: "timeout"}
	assert.Contains(t, err.Error(), "openrouter/gpt-4")

	bare := New(KindInternal, "boom")
	assert.NotContains(t, bare.Error(), "/")
}
