package resolver

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// negativeCache remembers paths that recently did not exist. Lookups do not
// refresh recency, so the oldest insertion is evicted first.
type negativeCache struct {
	entries *expirable.LRU[string, time.Time]
}

func newNegativeCache(size int, ttl time.Duration) *negativeCache {
	return &negativeCache{entries: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func (c *negativeCache) has(path string) bool {
	_, ok := c.entries.Peek(path)
	return ok
}

func (c *negativeCache) add(path string) {
	c.entries.Add(path, time.Now())
}

func (c *negativeCache) len() int {
	return c.entries.Len()
}
