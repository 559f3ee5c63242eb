package sandbox

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// CompiledCache memoizes compiled modules by component fingerprint so two
// plan nodes sharing the same component bytes (or the same node recompiled
// across plan rebuilds) compile once. Grounded on the teacher's cache
// package (cache/cache.go): a mutex-guarded map keyed by the sha256 hash of
// the cache key, generalized from its string/IAMRoleOptions value
// constraint to any *Compiled value, since wasmloom's cache holds compiled
// wazero modules rather than IAM role option structs.
type CompiledCache struct {
	mu    sync.Mutex
	cache map[string]*Compiled
}

// NewCompiledCache returns an empty cache.
func NewCompiledCache() *CompiledCache {
	return &CompiledCache{cache: map[string]*Compiled{}}
}

func (c *CompiledCache) hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum)
}

// Get returns the cached compiled module for key, if present.
func (c *CompiledCache) Get(key string) (*Compiled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[c.hashKey(key)]
	return v, ok
}

// Put stores a compiled module under key.
func (c *CompiledCache) Put(key string, value *Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[c.hashKey(key)] = value
}

// Evict removes key's entry, if any, without closing the module — the
// caller owns the Compiled's lifetime.
func (c *CompiledCache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, c.hashKey(key))
}
