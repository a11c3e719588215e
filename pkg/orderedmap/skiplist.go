// Package orderedmap implements a sorted map for one writer and many readers.
//
// Writers are serialized by an internal mutex. Readers never lock: every link
// and value is an atomic pointer, so a reader sees an entry either completely
// or not at all. A removed node is marked before it is unlinked, which makes a
// removal a single atomic step from the readers' point of view, and it keeps
// its outgoing links so a reader standing on it can carry on walking.
package orderedmap

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/johnjamespj/kstore/pkg/iterator"
)

const (
	minHeight = 4
	maxHeight = 24
)

type node[K, V any] struct {
	key     K
	value   atomic.Pointer[V]
	prev    atomic.Pointer[node[K, V]]
	levels  []atomic.Pointer[node[K, V]]
	removed atomic.Bool
}

func (n *node[K, V]) load() V {
	return *n.value.Load()
}

type Map[K, V any] struct {
	head   *node[K, V]
	tail   atomic.Pointer[node[K, V]]
	cmp    Compare[K]
	height int
	size   atomic.Int64
	mu     sync.Mutex
}

// New creates an empty map ordered by cmp. estimateSize sizes the tower
// height and only affects performance.
func New[K, V any](cmp Compare[K], estimateSize int) *Map[K, V] {
	height := minHeight
	if estimateSize > 1 {
		height = int(math.Ceil(math.Log(float64(estimateSize)) / math.Log(2)))
	}
	height = min(max(height, minHeight), maxHeight)

	return &Map[K, V]{
		head:   &node[K, V]{levels: make([]atomic.Pointer[node[K, V]], height)},
		cmp:    cmp,
		height: height,
	}
}

func (m *Map[K, V]) Len() int {
	return int(m.size.Load())
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	n := m.seek(key, true)
	if n == nil || n.removed.Load() || m.cmp(n.key, key) != 0 {
		return *new(V), false
	}
	return n.load(), true
}

func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Put inserts or replaces the value stored under key and reports whether an
// existing value was replaced.
func (m *Map[K, V]) Put(key K, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.getPathStack(key)
	if next := path[0].levels[0].Load(); next != nil && m.cmp(next.key, key) == 0 {
		next.value.Store(&value)
		return true
	}

	m.insertNode(key, value, path)
	return false
}

// LoadOrStore returns the existing value for key, or stores and returns the
// one built by create.
func (m *Map[K, V]) LoadOrStore(key K, create func() V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.getPathStack(key)
	if next := path[0].levels[0].Load(); next != nil && m.cmp(next.key, key) == 0 {
		return next.load(), true
	}

	value := create()
	m.insertNode(key, value, path)
	return value, false
}

// Delete removes key and reports whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.getPathStack(key)
	target := path[0].levels[0].Load()
	if target == nil || m.cmp(target.key, key) != 0 {
		return false
	}

	target.removed.Store(true)
	for i := len(target.levels) - 1; i >= 0; i-- {
		path[i].levels[i].Store(target.levels[i].Load())
	}

	prev := target.prev.Load()
	if next := target.levels[0].Load(); next != nil {
		next.prev.Store(prev)
	} else {
		m.tail.Store(prev)
	}

	m.size.Add(-1)
	return true
}

func (m *Map[K, V]) First() (Entry[K, V], bool) {
	return m.Ascend(Unbounded[K](), Unbounded[K]()).First()
}

func (m *Map[K, V]) Last() (Entry[K, V], bool) {
	return m.Descend(Unbounded[K](), Unbounded[K]()).First()
}

// Ascend iterates entries between lo and hi in ascending order.
func (m *Map[K, V]) Ascend(lo, hi Bound[K]) iterator.Iterable[Entry[K, V]] {
	return iterator.New(func() iterator.Iterator[Entry[K, V]] {
		var start *node[K, V]
		switch {
		case !lo.IsSet():
			start = m.head.levels[0].Load()
		case lo.Inclusive:
			start = m.seek(lo.Key, true)
		default:
			start = m.seek(lo.Key, false)
		}
		return &forwardIterator[K, V]{m: m, current: start, hi: hi}
	})
}

// Descend iterates entries between hi and lo in descending order.
func (m *Map[K, V]) Descend(hi, lo Bound[K]) iterator.Iterable[Entry[K, V]] {
	return iterator.New(func() iterator.Iterator[Entry[K, V]] {
		var start *node[K, V]
		switch {
		case !hi.IsSet():
			start = m.tail.Load()
		case hi.Inclusive:
			start = m.seekBefore(hi.Key, true)
		default:
			start = m.seekBefore(hi.Key, false)
		}
		return &reverseIterator[K, V]{m: m, current: start, lo: lo}
	})
}

// getPathStack returns, for every level, the last node whose key is smaller
// than key. Only called with the write lock held.
func (m *Map[K, V]) getPathStack(key K) []*node[K, V] {
	stack := make([]*node[K, V], m.height)
	current := m.head
	for level := m.height - 1; level >= 0; level-- {
		for {
			next := current.levels[level].Load()
			if next == nil || m.cmp(next.key, key) >= 0 {
				break
			}
			current = next
		}
		stack[level] = current
	}
	return stack
}

func (m *Map[K, V]) insertNode(key K, value V, stack []*node[K, V]) {
	height := calculateRandomHeight(m.height)
	n := &node[K, V]{
		key:    key,
		levels: make([]atomic.Pointer[node[K, V]], height),
	}
	n.value.Store(&value)
	if stack[0] != m.head {
		n.prev.Store(stack[0])
	}

	for i := 0; i < height; i++ {
		n.levels[i].Store(stack[i].levels[i].Load())
	}
	for i := 0; i < height; i++ {
		stack[i].levels[i].Store(n)
	}

	if next := n.levels[0].Load(); next != nil {
		next.prev.Store(n)
	} else {
		m.tail.Store(n)
	}

	m.size.Add(1)
}

// seek returns the first node with a key >= key (inclusive) or > key.
func (m *Map[K, V]) seek(key K, inclusive bool) *node[K, V] {
	current := m.head
	for level := m.height - 1; level >= 0; level-- {
		for {
			next := current.levels[level].Load()
			if next == nil {
				break
			}
			c := m.cmp(next.key, key)
			if c > 0 || (c == 0 && inclusive) {
				break
			}
			current = next
		}
	}
	return current.levels[0].Load()
}

// seekBefore returns the last node with a key <= key (inclusive) or < key.
func (m *Map[K, V]) seekBefore(key K, inclusive bool) *node[K, V] {
	current := m.head
	for level := m.height - 1; level >= 0; level-- {
		for {
			next := current.levels[level].Load()
			if next == nil {
				break
			}
			c := m.cmp(next.key, key)
			if c > 0 || (c == 0 && !inclusive) {
				break
			}
			current = next
		}
	}
	if current == m.head {
		return nil
	}
	return current
}

func calculateRandomHeight(maxHeight int) int {
	num := rand.Intn(1 << 30)
	height := 1

	for (num&1) != 0 && height < maxHeight {
		height++
		num >>= 1
	}

	return height
}

type forwardIterator[K, V any] struct {
	m       *Map[K, V]
	current *node[K, V]
	hi      Bound[K]
}

func (it *forwardIterator[K, V]) Move() (Entry[K, V], bool) {
	for it.current != nil {
		n := it.current
		it.current = n.levels[0].Load()
		if n.removed.Load() {
			continue
		}

		if it.hi.IsSet() {
			c := it.m.cmp(n.key, it.hi.Key)
			if c > 0 || (c == 0 && !it.hi.Inclusive) {
				it.current = nil
				break
			}
		}
		return Entry[K, V]{Key: n.key, Value: n.load()}, true
	}
	return Entry[K, V]{}, false
}

type reverseIterator[K, V any] struct {
	m       *Map[K, V]
	current *node[K, V]
	lo      Bound[K]
}

func (it *reverseIterator[K, V]) Move() (Entry[K, V], bool) {
	for it.current != nil {
		n := it.current
		it.current = n.prev.Load()
		if n.removed.Load() {
			continue
		}

		if it.lo.IsSet() {
			c := it.m.cmp(n.key, it.lo.Key)
			if c < 0 || (c == 0 && !it.lo.Inclusive) {
				it.current = nil
				break
			}
		}
		return Entry[K, V]{Key: n.key, Value: n.load()}, true
	}
	return Entry[K, V]{}, false
}
