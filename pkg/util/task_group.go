package util

import (
	"context"
	"sync"
	"time"
)

// TaskGroup runs background goroutines that share one cancellation scope.
// Stop cancels the scope and waits for every task to return.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewTaskGroup(parent context.Context) *TaskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &TaskGroup{ctx: ctx, cancel: cancel}
}

func (g *TaskGroup) Context() context.Context {
	return g.ctx
}

// Go runs task on its own goroutine. Tasks added after Stop are not started.
func (g *TaskGroup) Go(task func(ctx context.Context)) {
	if g.ctx.Err() != nil {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		task(g.ctx)
	}()
}

// GoPeriodic runs task every interval until the group stops.
func (g *TaskGroup) GoPeriodic(interval time.Duration, task func(ctx context.Context)) {
	g.Go(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	})
}

// Stop is idempotent.
func (g *TaskGroup) Stop() {
	g.once.Do(g.cancel)
	g.wg.Wait()
}
