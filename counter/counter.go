// Package counter keeps a derived count over a collection table up to date
// from the change stream, with a full recompute for when increments may have
// drifted.
package counter

import "sync/atomic"

// Reconciler counts the entries matching a predicate. Observe is the
// incremental path; Recompute replaces the count with the exact value.
type Reconciler[T any] struct {
	match func(T) bool
	n     atomic.Int64
}

func New[T any](match func(T) bool) *Reconciler[T] {
	return &Reconciler[T]{match: match}
}

// Observe applies one table change. prev is nil for additions, next is nil
// for removals. The count never goes below zero.
func (r *Reconciler[T]) Observe(prev, next *T) {
	var delta int64
	if prev != nil && r.match(*prev) {
		delta--
	}
	if next != nil && r.match(*next) {
		delta++
	}
	if delta == 0 {
		return
	}
	for {
		cur := r.n.Load()
		v := cur + delta
		if v < 0 {
			v = 0
		}
		if r.n.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Recompute sets the count from the full table.
func (r *Reconciler[T]) Recompute(all []T) int {
	n := r.exact(all)
	r.n.Store(int64(n))
	return n
}

// Verify reports whether the incremental count matches the table.
func (r *Reconciler[T]) Verify(all []T) (count, exact int, ok bool) {
	count = r.Count()
	exact = r.exact(all)
	return count, exact, count == exact
}

func (r *Reconciler[T]) Count() int { return int(r.n.Load()) }

func (r *Reconciler[T]) Reset() { r.n.Store(0) }

func (r *Reconciler[T]) exact(all []T) int {
	n := 0
	for _, v := range all {
		if r.match(v) {
			n++
		}
	}
	return n
}
