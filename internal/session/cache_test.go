package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMissing(t *testing.T) {
	c := New(4)
	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestPutAndGet(t *testing.T) {
	c := New(4)
	c.Put("s1", Usage{InputTokens: 10, OutputTokens: 5})
	usage, ok := c.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5}, usage)
}

func TestAccumulateCreatesThenAdds(t *testing.T) {
	c := New(4)
	total := c.Accumulate("s1", Usage{InputTokens: 10, OutputTokens: 2})
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 2}, total)

	total = c.Accumulate("s1", Usage{InputTokens: 5, OutputTokens: 1})
	assert.Equal(t, Usage{InputTokens: 15, OutputTokens: 3}, total)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put("s1", Usage{InputTokens: 1})
	c.Put("s2", Usage{InputTokens: 2})
	c.Put("s3", Usage{InputTokens: 3})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("s1")
	assert.False(t, ok, "s1 should have been evicted")
	_, ok = c.Get("s2")
	assert.True(t, ok)
	_, ok = c.Get("s3")
	assert.True(t, ok)
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New(2)
	c.Put("s1", Usage{InputTokens: 1})
	c.Put("s2", Usage{InputTokens: 2})
	c.Get("s1") // s1 now most-recently-used
	c.Put("s3", Usage{InputTokens: 3})

	_, ok := c.Get("s2")
	assert.False(t, ok, "s2 should have been evicted instead of s1")
	_, ok = c.Get("s1")
	assert.True(t, ok)
}

func TestNewDefaultsCapacity(t *testing.T) {
	c := New(0)
	assert.Equal(t, 0, c.Len())
	c.Put("s1", Usage{})
	assert.Equal(t, 1, c.Len())
}
