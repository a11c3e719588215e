// Package table keeps a materialized, multi-version copy of one table in
// memory, consistent with the replicated log that records it.
//
// A Cache replays the table's topic into a cellstore.Store when initialized
// and keeps applying new records in the background afterwards. Writes never
// touch the store: they are appended to the log and become visible when the
// applier consumes them.
package table

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/checkpoint"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/iterator"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/util"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

type State int32

const (
	Unopened State = iota
	CatchingUp
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case CatchingUp:
		return "catching-up"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// generation is the state of one Init..Close cycle. A new Init never shares
// a store, cursor or applier with an earlier one.
type generation struct {
	group   *util.TaskGroup
	store   *cellstore.Store
	next    atomic.Int64
	waiters *waiters
	// stale is set when the applier failed after catch-up; reads then keep
	// serving the last applied state.
	stale atomic.Bool
}

type Cache struct {
	log     replog.Log
	topic   string
	cfg     Config
	codec   *codec.Codec
	logger  zerolog.Logger
	metrics *metrics

	// mu guards state transitions and failure.
	mu      sync.Mutex
	state   atomic.Int32
	failure error
	gen     atomic.Pointer[generation]
}

func New(log replog.Log, topic string, cfg Config) *Cache {
	return &Cache{
		log:     log,
		topic:   topic,
		cfg:     cfg,
		codec:   codec.New(cfg.Compression),
		logger:  cfg.Logger.With().Str("topic", topic).Logger(),
		metrics: newMetrics(cfg.Registerer, topic),
	}
}

func (c *Cache) Topic() string {
	return c.topic
}

func (c *Cache) State() State {
	return State(c.state.Load())
}

func (c *Cache) setState(s State) {
	c.state.Store(int32(s))
}

// Init catches up with the log and starts tailing it. It returns once every
// record present when the subscription was made has been applied.
//
// Init on a ready cache does nothing. A failed or closed cache can be
// initialized again and rebuilds its state from the log.
func (c *Cache) Init(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case Ready:
		c.mu.Unlock()
		return nil
	case CatchingUp:
		c.mu.Unlock()
		return errors.Annotate(ErrInitInProgress, c.topic)
	}

	old := c.gen.Load()
	g := &generation{
		group:   util.NewTaskGroup(context.Background()),
		store:   cellstore.New(),
		waiters: newWaiters(),
	}
	c.gen.Store(g)
	c.failure = nil
	c.setState(CatchingUp)
	c.mu.Unlock()

	if old != nil {
		// a failed generation may still run its lag refresher
		old.group.Stop()
	}

	c.logger.Info().Msg("catching up")
	started := time.Now()

	result := make(chan error, 1)
	g.group.Go(func(gctx context.Context) {
		c.run(ctx, gctx, g, result)
	})

	var err error
	select {
	case err = <-result:
	case <-g.group.Context().Done():
		err = ErrCatchUpCancelled
	}

	if g.group.Context().Err() != nil {
		c.logger.Info().Msg("catch-up cancelled by close")
		return errors.Annotate(ErrCatchUpCancelled, c.topic)
	}
	if err != nil {
		c.mu.Lock()
		if c.gen.Load() == g && c.State() == CatchingUp {
			c.setState(Failed)
			c.failure = err
		}
		c.mu.Unlock()

		g.group.Stop()
		c.logger.Error().Err(err).Msg("init failed")
		return err
	}

	elapsed := time.Since(started)
	c.metrics.catchUp.Observe(elapsed.Seconds())
	c.logger.Info().
		Int64("offset", g.next.Load()).
		Int("rows", g.store.RowCount()).
		Dur("elapsed", elapsed).
		Msg("caught up")
	return nil
}

// run is the applier of generation g: it catches up, reports to Init and
// then tails until the generation is stopped.
func (c *Cache) run(ctx, gctx context.Context, g *generation, result chan<- error) {
	cctx, cancel := context.WithCancel(gctx)
	stop := context.AfterFunc(ctx, cancel)
	sub, err := c.catchUp(cctx, g)
	stop()
	cancel()

	if err != nil {
		if ctx.Err() != nil && gctx.Err() == nil {
			err = errors.Annotate(ctx.Err(), "init")
		}
		result <- err
		return
	}

	if !c.markReady(gctx, g) {
		sub.Close()
		result <- ErrCatchUpCancelled
		return
	}
	result <- nil

	if c.cfg.LagInterval > 0 {
		g.group.GoPeriodic(c.cfg.LagInterval, func(ctx context.Context) {
			c.refreshLag(ctx, g)
		})
	}
	c.tail(gctx, g, sub)
}

// markReady moves a caught-up generation to Ready. It fails when Close got
// there first, even if it has not cancelled gctx yet.
func (c *Cache) markReady(gctx context.Context, g *generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != g || c.State() != CatchingUp || gctx.Err() != nil {
		return false
	}
	c.setState(Ready)
	return true
}

func (c *Cache) catchUp(ctx context.Context, g *generation) (replog.Subscription, error) {
	err := c.retry(ctx, "ensure topic", func() error {
		return c.log.EnsureTopic(ctx, c.topic)
	})
	if err != nil {
		return nil, err
	}

	first, end, err := c.offsets(ctx)
	if err != nil {
		return nil, err
	}

	g.next.Store(first)
	if snap := c.loadCheckpoint(first, end); snap != nil {
		g.store.Load(iterator.FromSlice(snap.Cells))
		g.next.Store(snap.Offset)
	}

	sub, err := c.subscribe(ctx, g, true)
	if err != nil {
		return nil, err
	}
	// end of data at subscription time
	if _, end, err = c.offsets(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	for g.next.Load() < end {
		rec, err := sub.Next(ctx)
		if err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !replog.IsRetryable(err) && !errors.Is(err, replog.ErrOffsetOutOfRange) {
				return nil, errors.Annotatef(err, "catch up %s", c.topic)
			}

			c.logger.Warn().Err(err).Int64("offset", g.next.Load()).Msg("subscription lost during catch-up")
			if sub, err = c.subscribe(ctx, g, true); err != nil {
				return nil, err
			}
			if _, end, err = c.offsets(ctx); err != nil {
				sub.Close()
				return nil, err
			}
			continue
		}

		if err := c.apply(g, rec); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

func (c *Cache) tail(ctx context.Context, g *generation, sub replog.Subscription) {
	lastCheckpoint := time.Now()
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	for {
		rec, err := sub.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sub.Close()
			c.logger.Warn().Err(err).Int64("offset", g.next.Load()).Msg("subscription lost, resubscribing")

			if sub, err = c.resubscribe(ctx, g); err != nil {
				if ctx.Err() == nil {
					c.fail(g, err)
				}
				return
			}
			continue
		}

		if err := c.apply(g, rec); err != nil {
			c.fail(g, err)
			return
		}

		if c.cfg.Checkpoints != nil && c.cfg.CheckpointInterval > 0 && time.Since(lastCheckpoint) >= c.cfg.CheckpointInterval {
			c.saveCheckpoint(g)
			lastCheckpoint = time.Now()
		}
	}
}

// resubscribe retries subscribe until it succeeds, the context is done, or
// the log fails with something other than a transport fault.
func (c *Cache) resubscribe(ctx context.Context, g *generation) (replog.Subscription, error) {
	for {
		sub, err := c.subscribe(ctx, g, false)
		if err == nil {
			c.logger.Info().Int64("offset", g.next.Load()).Msg("resubscribed")
			return sub, nil
		}
		if !errors.Is(err, ErrTransportUnavailable) {
			return nil, err
		}

		c.logger.Error().Err(err).Msg("retry budget exhausted, still resubscribing")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryMaxInterval):
		}
	}
}

// subscribe opens a subscription at the cursor of g. When the cursor fell
// behind retention it moves to the first retained offset; with reset the
// store is cleared so the table is replayed from there.
func (c *Cache) subscribe(ctx context.Context, g *generation, reset bool) (replog.Subscription, error) {
	var sub replog.Subscription
	err := c.retry(ctx, "subscribe", func() error {
		var err error
		sub, err = c.log.Subscribe(ctx, c.topic, g.next.Load())
		if !errors.Is(err, replog.ErrOffsetOutOfRange) {
			return err
		}

		first, _, err := c.log.Offsets(ctx, c.topic)
		if err != nil {
			return err
		}
		c.logger.Warn().
			Int64("offset", g.next.Load()).
			Int64("first", first).
			Bool("reset", reset).
			Msg("offset no longer retained, restarting from first retained offset")
		if reset {
			g.store.Clear()
		}
		g.next.Store(first)

		sub, err = c.log.Subscribe(ctx, c.topic, first)
		return err
	})
	return sub, err
}

func (c *Cache) offsets(ctx context.Context) (first, end int64, err error) {
	err = c.retry(ctx, "offsets", func() error {
		var err error
		first, end, err = c.log.Offsets(ctx, c.topic)
		return err
	})
	return first, end, err
}

// retry runs fn until it succeeds, fails with an error that is not a
// transport fault, or the retry budget is spent.
func (c *Cache) retry(ctx context.Context, op string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryInitialInterval
	exp.MaxInterval = c.cfg.RetryMaxInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(c.cfg.RetryBudget, 0))), ctx)

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !replog.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		c.metrics.reconnects.Inc()
		c.logger.Warn().Err(err).Str("op", op).Dur("backoff", wait).Msg("log unavailable, retrying")
	})

	if replog.IsRetryable(err) {
		return errors.Annotatef(ErrTransportUnavailable, "%s %s: %v", op, c.topic, err)
	}
	return err
}

// apply applies one record. Records below the cursor were applied before
// and are skipped.
func (c *Cache) apply(g *generation, rec replog.Record) error {
	next := g.next.Load()
	if rec.Offset < next {
		c.logger.Debug().Int64("offset", rec.Offset).Int64("next", next).Msg("skipping redelivered record")
		return nil
	}
	if rec.Offset > next {
		c.logger.Warn().Int64("offset", rec.Offset).Int64("next", next).Msg("gap in log offsets")
	}

	var err error
	if !rec.Control {
		var m *codec.Mutation
		if m, err = c.codec.Decode(rec.Value); err == nil {
			err = g.store.Apply(m)
		}
	}
	if err != nil {
		c.metrics.decodeFailures.Inc()
		if c.cfg.FailOnDecodeError {
			return errors.Annotatef(ErrDecodeFailure, "%s@%d: %v", c.topic, rec.Offset, err)
		}
		c.logger.Error().Err(err).Int64("offset", rec.Offset).Msg("skipping undecodable record")
	}

	g.next.Store(rec.Offset + 1)
	c.metrics.applied.Inc()
	c.metrics.appliedOffset.Set(float64(rec.Offset + 1))
	g.waiters.release(rec.Offset + 1)
	return nil
}

// fail stops serving writes after the applier of g gave up. Reads keep
// returning the state applied so far.
func (c *Cache) fail(g *generation, err error) {
	c.mu.Lock()
	if c.gen.Load() == g && c.State() == Ready {
		g.stale.Store(true)
		c.setState(Failed)
		c.failure = err
	}
	c.mu.Unlock()

	g.waiters.fail(err)
	c.logger.Error().Err(err).Int64("offset", g.next.Load()).Msg("applier stopped")
}

func (c *Cache) refreshLag(ctx context.Context, g *generation) {
	_, end, err := c.log.Offsets(ctx, c.topic)
	if err != nil {
		c.logger.Debug().Err(err).Msg("lag refresh failed")
		return
	}
	c.metrics.lag.Set(float64(max(end-g.next.Load(), 0)))
}

func (c *Cache) loadCheckpoint(first, end int64) *checkpoint.Snapshot {
	if c.cfg.Checkpoints == nil {
		return nil
	}

	snap, err := c.cfg.Checkpoints.Load(c.topic)
	if err != nil {
		c.logger.Warn().Err(err).Msg("ignoring unreadable checkpoint")
		return nil
	}
	if snap == nil {
		return nil
	}
	if snap.Offset < first || snap.Offset > end {
		c.logger.Warn().
			Int64("offset", snap.Offset).
			Int64("first", first).
			Int64("end", end).
			Msg("discarding checkpoint outside the retained log")
		return nil
	}

	c.logger.Info().Int64("offset", snap.Offset).Int("cells", len(snap.Cells)).Msg("loaded checkpoint")
	return snap
}

// saveCheckpoint must only run on the applier of g or after it stopped.
func (c *Cache) saveCheckpoint(g *generation) {
	snap := &checkpoint.Snapshot{
		Topic:  c.topic,
		Offset: g.next.Load(),
		Cells:  g.store.Dump().ToList(),
	}
	if err := c.cfg.Checkpoints.Save(snap); err != nil {
		c.logger.Warn().Err(err).Int64("offset", snap.Offset).Msg("checkpoint failed")
		return
	}
	c.logger.Debug().Int64("offset", snap.Offset).Int("cells", len(snap.Cells)).Msg("checkpoint saved")
}

// Close stops the applier, waits for it, and releases the store. It may be
// called while Init is catching up, which makes Init fail with
// ErrCatchUpCancelled. Closing a closed cache does nothing.
func (c *Cache) Close() error {
	c.mu.Lock()
	prev := c.State()
	g := c.gen.Load()
	if prev == Closed || g == nil {
		c.mu.Unlock()
		return nil
	}
	c.setState(Closed)
	c.mu.Unlock()

	g.group.Stop()

	if prev == Ready && c.cfg.Checkpoints != nil && c.cfg.CheckpointOnClose {
		c.saveCheckpoint(g)
	}
	g.waiters.fail(errors.Annotate(ErrNotInitialized, "closed"))
	c.gen.CompareAndSwap(g, nil)

	c.logger.Info().Str("state", prev.String()).Int64("offset", g.next.Load()).Msg("closed")
	return nil
}
