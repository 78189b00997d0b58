package ble

import (
	"container/list"
	"strings"
	"sync"

	"github.com/chaz8081/privatejack/internal/ble/keys"
)

// KeyCache maps device addresses to session keys, evicting the least
// recently used entry once full. A cache belongs to whoever creates it;
// share one between clients only on purpose.
type KeyCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	address string
	key     keys.SessionKey
}

// NewKeyCache returns a cache holding at most size keys (minimum 1).
func NewKeyCache(size int) *KeyCache {
	if size < 1 {
		size = 1
	}
	return &KeyCache{max: size, order: list.New(), items: make(map[string]*list.Element)}
}

func cacheKey(address string) string { return strings.ToUpper(address) }

func (c *KeyCache) Get(address string) (keys.SessionKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[cacheKey(address)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).key, true
}

func (c *KeyCache) Put(address string, key keys.SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey(address)
	if el, ok := c.items[k]; ok {
		el.Value.(*cacheEntry).key = key
		c.order.MoveToFront(el)
		return
	}
	c.items[k] = c.order.PushFront(&cacheEntry{address: k, key: key})
	for c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).address)
	}
}

// Invalidate drops the key for address, typically after the link failed
// persistently and the key is suspected stale.
func (c *KeyCache) Invalidate(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[cacheKey(address)]; ok {
		c.order.Remove(el)
		delete(c.items, cacheKey(address))
	}
}

func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
