package protoinfo

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/witgen/internal/sema"
)

// Cache memoizes protocol layouts for the lifetime of a compilation. Each
// (protocol, kind) pair is computed at most once even when many workers ask
// concurrently; a Full layout also answers RequirementSignature queries.
// Create one per compilation and pass it to every component that needs it.
type Cache struct {
	mu    sync.RWMutex
	infos map[cacheKey]*Info
	sf    singleflight.Group
}

type cacheKey struct {
	proto *sema.ProtocolDecl
	kind  Kind
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{infos: make(map[cacheKey]*Info)}
}

// Get returns the layout of p, computing it on first use.
func (c *Cache) Get(p *sema.ProtocolDecl, kind Kind) *Info {
	c.mu.RLock()
	if info, ok := c.infos[cacheKey{p, kind}]; ok {
		c.mu.RUnlock()
		return info
	}

	if kind == RequirementSignature {
		if info, ok := c.infos[cacheKey{p, Full}]; ok {
			c.mu.RUnlock()
			return info
		}
	}
	c.mu.RUnlock()

	v, _, _ := c.sf.Do(fmt.Sprintf("%p/%d", p, kind), func() (any, error) {
		c.mu.RLock()
		if info, ok := c.infos[cacheKey{p, kind}]; ok {
			c.mu.RUnlock()
			return info, nil
		}
		c.mu.RUnlock()

		info := Layout(p, kind)

		c.mu.Lock()
		c.infos[cacheKey{p, kind}] = info
		c.mu.Unlock()

		return info, nil
	})

	return v.(*Info)
}

// Full is shorthand for Get(p, Full).
func (c *Cache) Full(p *sema.ProtocolDecl) *Info { return c.Get(p, Full) }

// Len returns the number of memoized layouts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.infos)
}
