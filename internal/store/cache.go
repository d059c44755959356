package store

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a small TTL-bound LRU. Identity lookups use it to avoid asking the
// registry about the same institution twice in one run.
type Cache[V any] struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List               // most-recent at front
	items map[string]*list.Element // key -> element
}

type cacheEntry[V any] struct {
	key string
	val V
	exp time.Time
}

func NewCache[V any](maxKeys int, ttl time.Duration) *Cache[V] {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache[V]{cap: maxKeys, ttl: ttl, now: time.Now, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		en := el.Value.(cacheEntry[V])
		if c.now().Before(en.exp) {
			c.ll.MoveToFront(el)
			return en.val, true
		}
		// expired
		c.ll.Remove(el)
		delete(c.items, key)
	}
	var zero V
	return zero, false
}

func (c *Cache[V]) Put(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		el.Value = cacheEntry[V]{key: key, val: val, exp: exp}
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(cacheEntry[V]{key: key, val: val, exp: exp})
	for c.ll.Len() > c.cap {
		t := c.ll.Back()
		c.ll.Remove(t)
		delete(c.items, t.Value.(cacheEntry[V]).key)
	}
	// soft cleanup of expired at tail
	for t := c.ll.Back(); t != nil && !c.now().Before(t.Value.(cacheEntry[V]).exp); t = c.ll.Back() {
		c.ll.Remove(t)
		delete(c.items, t.Value.(cacheEntry[V]).key)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
