package stackfs

import "sync/atomic"

// pool allocates zeroed objects of one kind and counts the live ones. A
// positive limit caps the live count; allocations past it fail with
// ErrNoMemory. Objects are not recycled: stale pointers to a released object
// must never observe a new owner.
type pool[T any] struct {
	name  string
	limit int64
	live  atomic.Int64
}

func newPool[T any](name string, limit int64) *pool[T] {
	return &pool[T]{name: name, limit: limit}
}

func (p *pool[T]) alloc() (*T, error) {
	n := p.live.Add(1)
	if p.limit > 0 && n > p.limit {
		p.live.Add(-1)
		return nil, ErrNoMemory
	}
	return new(T), nil
}

func (p *pool[T]) release(obj *T) {
	if obj == nil {
		return
	}
	if p.live.Add(-1) < 0 {
		panic("stackfs: " + p.name + " pool underflow")
	}
}

func (p *pool[T]) inUse() int64 {
	return p.live.Load()
}
