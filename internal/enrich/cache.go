package enrich

import "container/list"

// contentCache is a bounded LRU of last known file contents keyed by
// path. It has a single writer: the finalize goroutine. Readers are not
// permitted; diff stats are computed on the same goroutine that updates
// the cache.
type contentCache struct {
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recent
}

type cacheEntry struct {
	path    string
	content string
}

func newContentCache(max int) *contentCache {
	if max <= 0 {
		max = 1024
	}
	return &contentCache{
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// get returns the cached content for path, marking it recently used.
func (c *contentCache) get(path string) (string, bool) {
	el, ok := c.entries[path]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).content, true
}

// put stores content for path, evicting the least recently used entry
// past the cap.
func (c *contentCache) put(path, content string) {
	if el, ok := c.entries[path]; ok {
		el.Value.(*cacheEntry).content = content
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{path: path, content: content})
	c.entries[path] = el

	for c.order.Len() > c.max {
		last := c.order.Back()
		if last == nil {
			break
		}
		c.order.Remove(last)
		delete(c.entries, last.Value.(*cacheEntry).path)
	}
}

// drop removes path from the cache.
func (c *contentCache) drop(path string) {
	if el, ok := c.entries[path]; ok {
		c.order.Remove(el)
		delete(c.entries, path)
	}
}

func (c *contentCache) len() int { return c.order.Len() }
