package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountRequestOrderIndependent(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	a := map[string]any{
		"model":    "claude-3-5-sonnet",
		"messages": []any{map[string]any{"role": "user", "content": "hello there"}},
	}
	b := map[string]any{
		"messages": []any{map[string]any{"content": "hello there", "role": "user"}},
		"model":    "claude-3-5-sonnet",
	}

	assert.Equal(t, c.CountRequest(a), c.CountRequest(b))
}

func TestCountGrowsWithLongerText(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	short := c.Count("hi")
	long := c.Count("hi, this is a considerably longer message with many more tokens in it")
	assert.Greater(t, long, short)
}

func TestCountNilCounterFailsClosed(t *testing.T) {
	var c *Counter
	assert.Equal(t, 0, c.Count("anything"))
}

func TestKeysOfSortsLexically(t *testing.T) {
	keys := keysOf(map[string]any{"b": 1, "a": 2, "c": 3})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
