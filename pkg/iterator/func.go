package iterator

func Map[T, U any](it Iterable[T], f func(T) U) Iterable[U] {
	return New(func() Iterator[U] {
		src := it.Itr()
		return IteratorFunc[U](func() (U, bool) {
			if v, ok := src.Move(); ok {
				return f(v), true
			}
			return *new(U), false
		})
	})
}

// FlatMap concatenates the sequences produced by it, in order.
func FlatMap[V any](it Iterable[Iterable[V]]) Iterable[V] {
	return New(func() Iterator[V] {
		outer := it.Itr()
		inner := empty[V]()
		return IteratorFunc[V](func() (V, bool) {
			for {
				if v, ok := inner.Move(); ok {
					return v, true
				}
				next, ok := outer.Move()
				if !ok {
					return *new(V), false
				}
				inner = next.Itr()
			}
		})
	})
}
