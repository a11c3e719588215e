package table

import (
	"sync"

	"github.com/google/btree"
)

type waiter struct {
	offset int64
	seq    uint64
	done   chan error
}

func (w *waiter) Less(than btree.Item) bool {
	o := than.(*waiter)
	if w.offset != o.offset {
		return w.offset < o.offset
	}
	return w.seq < o.seq
}

// waiters indexes callers blocked until some offset is applied, ordered by
// that offset so release only visits the satisfied ones.
type waiters struct {
	mu   sync.Mutex
	tree *btree.BTree
	seq  uint64
	err  error
}

func newWaiters() *waiters {
	return &waiters{tree: btree.New(8)}
}

// add registers a waiter for offset. If the index was failed the waiter
// completes immediately with that error.
func (ws *waiters) add(offset int64) *waiter {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.seq++
	w := &waiter{offset: offset, seq: ws.seq, done: make(chan error, 1)}
	if ws.err != nil {
		w.done <- ws.err
		return w
	}
	ws.tree.ReplaceOrInsert(w)
	return w
}

func (ws *waiters) remove(w *waiter) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.tree.Delete(w)
}

// release completes every waiter whose offset is below applied.
func (ws *waiters) release(applied int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for {
		first := ws.tree.Min()
		if first == nil || first.(*waiter).offset >= applied {
			return
		}
		ws.tree.DeleteMin()
		first.(*waiter).done <- nil
	}
}

// fail completes every pending and future waiter with err.
func (ws *waiters) fail(err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.err = err
	ws.tree.Ascend(func(i btree.Item) bool {
		i.(*waiter).done <- err
		return true
	})
	ws.tree.Clear(false)
}

func (ws *waiters) len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.tree.Len()
}
