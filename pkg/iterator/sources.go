package iterator

func Empty[V any]() Iterable[V] {
	return New(func() Iterator[V] { return empty[V]() })
}

func empty[V any]() Iterator[V] {
	return IteratorFunc[V](func() (V, bool) { return *new(V), false })
}

// FromSlice yields the elements of s. s is not copied.
func FromSlice[V any](s []V) Iterable[V] {
	return New(func() Iterator[V] {
		idx := 0
		return IteratorFunc[V](func() (V, bool) {
			if idx >= len(s) {
				return *new(V), false
			}
			idx++
			return s[idx-1], true
		})
	})
}
