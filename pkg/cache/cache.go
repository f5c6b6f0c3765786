// Package cache holds compiled Expressions keyed by their source graph
// identity.
//
// Host applications typically re-evaluate the same field many times per
// frame while only occasionally editing it. The cache lets them compile
// once per edit: Acquire returns the cached Expression for a key or
// compiles it on the spot, Invalidate drops a single key after an edit,
// and Clear empties the cache on teardown.
//
// # Example
//
//	c := cache.New()
//	expr, err := c.Acquire("texture:wood.017", func() (*vm.Expression, error) {
//		return compiler.Compile(buildGraph())
//	})
package cache

import (
	"log/slog"
	"sync"

	"github.com/procgraph/fieldvm/pkg/vm"
)

// Cache maps keys to compiled Expressions. All operations, including the
// compile callback inside Acquire, run under a single mutex: concurrent
// Acquire calls for the same key never compile twice, and Invalidate
// never observes a half-installed entry.
type Cache struct {
	mu     sync.Mutex
	items  map[string]*vm.Expression
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger enables debug logging of cache hits and misses.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{items: make(map[string]*vm.Expression)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns the Expression cached under key, or calls compile,
// stores the result, and returns it. compile runs synchronously under the
// cache lock, so it is invoked at most once per key even under concurrent
// acquisition; compile errors are not cached.
func (c *Cache) Acquire(key string, compile func() (*vm.Expression, error)) (*vm.Expression, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expr, ok := c.items[key]; ok {
		if c.logger != nil {
			c.logger.Debug("cache hit", "key", key)
		}
		return expr, nil
	}
	expr, err := compile()
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug("cache fill", "key", key)
	}
	c.items[key] = expr
	return expr, nil
}

// Get retrieves a cached Expression without compiling.
func (c *Cache) Get(key string) (*vm.Expression, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expr, ok := c.items[key]
	return expr, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Invalidate removes a single entry. Expressions already handed out stay
// valid; only the cache slot is dropped.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*vm.Expression)
}
