package memory

import "sync"

// flightGroup suppresses duplicate concurrent work per key. While a call
// for a key is in flight, later callers for the same key block and
// receive the first call's result instead of running their own.
type flightGroup[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*flightCall[V]
}

type flightCall[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn, making sure only one execution per key runs at a time.
// The boolean reports whether the result was shared with another caller.
func (g *flightGroup[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*flightCall[V])
	}
	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}
	c := new(flightCall[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	shared := c.shared
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, shared
}
