// Package iterator provides lazy, restartable sequences.
//
// An Iterable describes a sequence; every call to Itr starts a fresh pass over
// it, so the same Iterable can be consumed any number of times. Derived
// sequences (Take, Where, Map...) do no work until a pass is started.
package iterator

type Iterable[V any] interface {
	Itr() Iterator[V]

	Take(n int) Iterable[V]
	Skip(n int) Iterable[V]
	TakeWhile(pred func(V) bool) Iterable[V]
	Where(pred func(V) bool) Iterable[V]

	First() (V, bool)
	Count() int

	// ForEach calls f for every element until f returns false.
	ForEach(f func(V) bool)

	ToList() []V
}

type Iterator[V any] interface {
	Move() (V, bool)
}

// IteratorFunc adapts a plain function to the Iterator interface.
type IteratorFunc[V any] func() (V, bool)

func (f IteratorFunc[V]) Move() (V, bool) {
	return f()
}
