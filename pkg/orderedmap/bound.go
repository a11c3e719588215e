package orderedmap

import (
	"bytes"
	"cmp"
)

// Compare orders two keys, returning a negative number, zero or a positive number.
type Compare[K any] func(a, b K) int

// Bytes orders byte strings by unsigned lexicographic comparison.
func Bytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Ascending orders any ordered type from small to large.
func Ascending[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// Descending orders any ordered type from large to small.
func Descending[K cmp.Ordered](a, b K) int {
	return cmp.Compare(b, a)
}

// Bound is one end of a range. The zero value is unbounded.
type Bound[K any] struct {
	Key       K
	Inclusive bool
	set       bool
}

func Unbounded[K any]() Bound[K] {
	return Bound[K]{}
}

func Inclusive[K any](key K) Bound[K] {
	return Bound[K]{Key: key, Inclusive: true, set: true}
}

func Exclusive[K any](key K) Bound[K] {
	return Bound[K]{Key: key, set: true}
}

// IsSet reports whether the bound limits the range.
func (b Bound[K]) IsSet() bool {
	return b.set
}

// Entry is a key/value pair observed by an iteration.
type Entry[K, V any] struct {
	Key   K
	Value V
}
