// Package kernel JIT-loads PTX into device functions, caches them per
// execution context, and launches them over store views.
package kernel

import (
	"cmp"
	"slices"

	"github.com/samcharles93/ufi/internal/cuda"
)

// Key identifies a compiled function: the same symbol compiled in two
// contexts yields two handles, and neither is valid in the other context.
type Key struct {
	Context cuda.Context
	Symbol  string
}

func (k Key) String() string {
	return k.Context.String() + "/" + k.Symbol
}

// Cache maps keys to compiled functions for one processor. It is not safe
// for concurrent use; each processor owns its cache and runs one task at a
// time.
type Cache struct {
	fns map[Key]cuda.Function
}

func NewCache() *Cache {
	return &Cache{fns: make(map[Key]cuda.Function)}
}

func (c *Cache) Lookup(k Key) (cuda.Function, bool) {
	fn, ok := c.fns[k]
	return fn, ok
}

// Require returns the function cached under k. A missing key is a
// CacheMissError located at the caller.
func (c *Cache) Require(k Key) (cuda.Function, error) {
	if fn, ok := c.fns[k]; ok {
		return fn, nil
	}
	return 0, &CacheMissError{Key: k, Site: callerSite(2)}
}

// Insert stores fn under k unless k is already present. It reports whether
// fn was stored.
func (c *Cache) Insert(k Key, fn cuda.Function) bool {
	if _, ok := c.fns[k]; ok {
		return false
	}
	c.fns[k] = fn
	return true
}

func (c *Cache) Len() int {
	return len(c.fns)
}

// Keys returns the cached keys ordered by context then symbol.
func (c *Cache) Keys() []Key {
	keys := make([]Key, 0, len(c.fns))
	for k := range c.fns {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if n := cmp.Compare(a.Context, b.Context); n != 0 {
			return n
		}
		return cmp.Compare(a.Symbol, b.Symbol)
	})
	return keys
}
