// Package session holds the bounded, concurrent-safe cache of the most
// recent token usage per session ID, consulted when a continuation
// request needs to report cumulative usage back through the agent loop.
package session

import (
	"container/list"
	"sync"
)

// Usage is the token accounting the cache stores per session. The JSON
// tags let a response's top-level "usage" object unmarshal into it
// directly when accounting for a buffered (non-streaming) reply.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type entry struct {
	key   string
	usage Usage
}

// Cache is a fixed-capacity LRU keyed by session ID.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

const defaultCapacity = 1024

// New builds a Cache with the given capacity, defaulting to 1024 entries
// when capacity <= 0.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the stored usage for sessionID, if present.
func (c *Cache) Get(sessionID string) (Usage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[sessionID]
	if !ok {
		return Usage{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).usage, true
}

// Put records usage for sessionID, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *Cache) Put(sessionID string, usage Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[sessionID]; ok {
		el.Value.(*entry).usage = usage
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: sessionID, usage: usage})
	c.items[sessionID] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
}

// Accumulate adds delta to the session's running usage, creating the
// entry if it doesn't exist yet.
func (c *Cache) Accumulate(sessionID string, delta Usage) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[sessionID]; ok {
		e := el.Value.(*entry)
		e.usage.InputTokens += delta.InputTokens
		e.usage.OutputTokens += delta.OutputTokens
		c.ll.MoveToFront(el)
		return e.usage
	}

	el := c.ll.PushFront(&entry{key: sessionID, usage: delta})
	c.items[sessionID] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
	return delta
}

// Len reports the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
