// Package mempool provides fixed-capacity object pools. Pools never grow:
// exhaustion is reported to the caller as an explicit error so backpressure
// is visible instead of turning into unbounded allocation.
package mempool

import "errors"

// ErrEmpty is returned by Get when every pool item is in use. Callers are
// expected to retry after releasing items; it never escalates a connection.
var ErrEmpty = errors.New("mempool: pool empty")

// Pool is a fixed-capacity free list of pre-allocated items.
type Pool[T any] struct {
	free chan *T
	size int
}

// New creates a pool of size items produced by newItem.
func New[T any](size int, newItem func() *T) *Pool[T] {
	p := &Pool[T]{
		free: make(chan *T, size),
		size: size,
	}
	for i := 0; i < size; i++ {
		p.free <- newItem()
	}
	return p
}

// Get removes an item from the pool. Never blocks.
func (p *Pool[T]) Get() (*T, error) {
	select {
	case item := <-p.free:
		return item, nil
	default:
		return nil, ErrEmpty
	}
}

// Put returns an item to the pool. Returning more items than the pool's
// capacity indicates a double release and panics.
func (p *Pool[T]) Put(item *T) {
	select {
	case p.free <- item:
	default:
		panic("mempool: put beyond capacity")
	}
}

// Size returns the pool's fixed capacity.
func (p *Pool[T]) Size() int { return p.size }

// Free returns the number of items currently available.
func (p *Pool[T]) Free() int { return len(p.free) }
