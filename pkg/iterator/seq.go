package iterator

// Seq is an Iterable whose passes are started by a function.
type Seq[V any] struct {
	start func() Iterator[V]
}

// New returns the sequence whose passes are produced by start.
func New[V any](start func() Iterator[V]) *Seq[V] {
	return &Seq[V]{start: start}
}

func (s *Seq[V]) Itr() Iterator[V] {
	return s.start()
}

// derive builds a sequence whose every pass wraps a fresh pass of s.
func (s *Seq[V]) derive(wrap func(src Iterator[V]) IteratorFunc[V]) Iterable[V] {
	return New(func() Iterator[V] {
		return wrap(s.start())
	})
}

func (s *Seq[V]) Take(n int) Iterable[V] {
	return s.derive(func(src Iterator[V]) IteratorFunc[V] {
		left := n
		return func() (v V, ok bool) {
			if left <= 0 {
				return v, false
			}
			if v, ok = src.Move(); ok {
				left--
			} else {
				left = 0
			}
			return v, ok
		}
	})
}

func (s *Seq[V]) Skip(n int) Iterable[V] {
	return s.derive(func(src Iterator[V]) IteratorFunc[V] {
		skip := n
		return func() (v V, ok bool) {
			for ; skip > 0; skip-- {
				if _, ok = src.Move(); !ok {
					skip = 0
					return v, false
				}
			}
			return src.Move()
		}
	})
}

func (s *Seq[V]) TakeWhile(pred func(V) bool) Iterable[V] {
	return s.derive(func(src Iterator[V]) IteratorFunc[V] {
		done := false
		return func() (v V, ok bool) {
			if done {
				return v, false
			}
			if v, ok = src.Move(); ok && pred(v) {
				return v, true
			}
			done = true
			return *new(V), false
		}
	})
}

func (s *Seq[V]) Where(pred func(V) bool) Iterable[V] {
	return s.derive(func(src Iterator[V]) IteratorFunc[V] {
		return func() (V, bool) {
			for v, ok := src.Move(); ok; v, ok = src.Move() {
				if pred(v) {
					return v, true
				}
			}
			return *new(V), false
		}
	})
}

func (s *Seq[V]) First() (V, bool) {
	return s.start().Move()
}

func (s *Seq[V]) Count() int {
	n := 0
	s.ForEach(func(V) bool {
		n++
		return true
	})
	return n
}

func (s *Seq[V]) ForEach(f func(V) bool) {
	itr := s.start()
	for v, ok := itr.Move(); ok && f(v); v, ok = itr.Move() {
	}
}

func (s *Seq[V]) ToList() []V {
	return drain(s.start())
}

func drain[V any](itr Iterator[V]) []V {
	var out []V
	for v, ok := itr.Move(); ok; v, ok = itr.Move() {
		out = append(out, v)
	}
	return out
}
