package store

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// coalescer runs at most one fetch per key. The fetch context is detached
// from every caller and cancelled once the last waiter gives up. The flights
// registry and the singleflight group change only under mu, so every waiter
// counted on a flight waits on the call that runs with that flight's context.
type coalescer[V any] struct {
	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

func newCoalescer[V any]() *coalescer[V] {
	return &coalescer[V]{flights: make(map[string]*flight)}
}

// do joins or starts the flight for key. shared reports whether the caller
// joined a flight started by someone else.
func (c *coalescer[V]) do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (value V, shared bool, err error) {
	c.mu.Lock()
	f, joined := c.flights[key]
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	// DoChan runs fn on its own goroutine, so holding mu here cannot deadlock
	// with finish.
	ch := c.group.DoChan(key, func() (any, error) {
		defer c.finish(key, f)
		return fn(f.ctx)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		c.leave(key, f)
		if res.Err != nil {
			return value, joined || res.Shared, res.Err
		}
		return res.Val.(V), joined || res.Shared, nil
	case <-ctx.Done():
		c.leave(key, f)
		return value, joined, ctx.Err()
	}
}

// finish unregisters a flight whose fetch has returned.
func (c *coalescer[V]) finish(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// leave drops one waiter and cancels the flight once none remain.
func (c *coalescer[V]) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
		// Later callers must start fresh instead of joining a cancelled fetch.
		c.group.Forget(key)
	}
	f.cancel()
}

// pending returns the number of callers waiting on key's flight.
func (c *coalescer[V]) pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return f.waiters
	}
	return 0
}
