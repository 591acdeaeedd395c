package dbus

import (
	"errors"
	"sync"
)

// errNotFound is returned by cache.Get when the key has never been
// stored, as opposed to a prior failed computation for that key
// (which is cached too, so repeated lookups don't redo expensive
// reflection work just to fail again).
var errNotFound = errors.New("not found in cache")

// cache memoizes a fallible computation keyed by K, so that
// signature derivation and codec construction only walk a given
// reflect.Type once.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

func (c *cache[K, V]) Get(k K) (V, error) {
	v, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	ent := v.(cacheEntry[V])
	return ent.val, ent.err
}

func (c *cache[K, V]) Set(k K, val V) {
	c.m.Store(k, cacheEntry[V]{val: val})
}

func (c *cache[K, V]) SetErr(k K, err error) {
	var zero V
	c.m.Store(k, cacheEntry[V]{val: zero, err: err})
}
