package partition

import "sync"

// Cached holds a value that is computed at most once. A computed value,
// including a failure sentinel, is never recomputed or invalidated.
type Cached[T any] struct {
	mu    sync.Mutex
	set   bool
	value T
}

// Get returns the cached value, calling compute first if there is none yet.
// compute must not call Get on the same Cached.
func (c *Cached[T]) Get(compute func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.value = compute()
		c.set = true
	}
	return c.value
}

// Peek returns the cached value and whether it has been computed.
func (c *Cached[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}
