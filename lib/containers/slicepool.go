package containers

import "git.lukeshu.com/go/typedsync"

// SlicePool recycles slices of T to cut allocation churn on the hot
// path of reading/writing node bodies: every block read/write needs a
// same-sized scratch slice, and without pooling that's one GC-visible
// allocation per block touched.
type SlicePool[T any] struct {
	inner typedsync.Pool[[]T]
}

func (p *SlicePool[T]) Get(size int) []T {
	if size == 0 {
		return nil
	}
	ret, ok := p.inner.Get()
	if ok && cap(ret) >= size {
		ret = ret[:size]
	} else {
		ret = make([]T, size)
	}
	return ret
}

func (p *SlicePool[T]) Put(slice []T) {
	if slice == nil {
		return
	}
	p.inner.Put(slice)
}
