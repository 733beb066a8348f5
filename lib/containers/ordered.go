// Package containers provides generic ordered-collection primitives
// (a red-black tree, a range set built on it, a set, an optional
// value, and a slice pool) used to back the in-memory bookkeeping of
// the storage engine.
package containers

import "golang.org/x/exp/constraints"

// Ordered is implemented by any type with a three-way comparison.
// Negative means the receiver sorts before the argument, positive
// means after, zero means equal.
type Ordered[T any] interface {
	Cmp(T) int
}

// Native wraps a constraints.Ordered builtin so it satisfies Ordered.
type Native[T constraints.Ordered] struct {
	Val T
}

func (a Native[T]) Cmp(b Native[T]) int {
	switch {
	case a.Val < b.Val:
		return -1
	case a.Val > b.Val:
		return 1
	default:
		return 0
	}
}

var _ Ordered[Native[int]] = Native[int]{}

// NativeCompare is a 3-way comparator for any builtin ordered type,
// for use as a building block in hand-written Cmp methods that embed
// more than one field.
func NativeCompare[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
