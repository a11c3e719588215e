package table

import (
	"context"
	"math"
	"time"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/iterator"
	"github.com/juju/errors"
)

// LatestTimestamp asks Put to stamp the cell with the current time.
const LatestTimestamp int64 = math.MaxInt64

// readable returns the generation reads are served from.
func (c *Cache) readable() (*generation, error) {
	g := c.gen.Load()
	switch c.State() {
	case Ready:
	case Failed:
		if g == nil || !g.stale.Load() {
			return nil, errors.Annotatef(ErrNotInitialized, "table %s is %s", c.topic, Failed)
		}
	default:
		return nil, errors.Annotatef(ErrNotInitialized, "table %s is %s", c.topic, c.State())
	}
	if g == nil {
		return nil, errors.Annotatef(ErrNotInitialized, "table %s is closed", c.topic)
	}
	return g, nil
}

func (c *Cache) writable() (*generation, error) {
	if c.State() == Failed {
		c.mu.Lock()
		failure := c.failure
		c.mu.Unlock()
		if failure != nil {
			return nil, errors.Annotatef(failure, "table %s", c.topic)
		}
	}
	g := c.gen.Load()
	if c.State() != Ready || g == nil {
		return nil, errors.Annotatef(ErrNotInitialized, "table %s is %s", c.topic, c.State())
	}
	return g, nil
}

func (c *Cache) GetLatest(row, family, qualifier []byte) (cellstore.Cell, bool, error) {
	g, err := c.readable()
	if err != nil {
		return cellstore.Cell{}, false, err
	}
	cell, ok := g.store.GetLatest(row, family, qualifier)
	return cell, ok, nil
}

// GetVersions returns at most maxVersions versions, newest first. A
// non-positive maxVersions returns none.
func (c *Cache) GetVersions(row, family, qualifier []byte, maxVersions int) (iterator.Iterable[cellstore.Cell], error) {
	g, err := c.readable()
	if err != nil {
		return nil, err
	}
	return g.store.GetVersions(row, family, qualifier, maxVersions), nil
}

func (c *Cache) GetRow(row []byte) (cellstore.Row, bool, error) {
	g, err := c.readable()
	if err != nil {
		return cellstore.Row{}, false, err
	}
	r, ok := g.store.GetRow(row)
	return r, ok, nil
}

// ScanRows iterates rows in [startRow, endRow). nil bounds are open.
func (c *Cache) ScanRows(startRow, endRow []byte) (iterator.Iterable[cellstore.Row], error) {
	g, err := c.readable()
	if err != nil {
		return nil, err
	}
	return g.store.ScanRows(startRow, endRow), nil
}

// AppliedOffset returns the offset of the next record to apply. A record
// appended at offset o is visible once AppliedOffset is above o.
func (c *Cache) AppliedOffset() (int64, error) {
	g, err := c.readable()
	if err != nil {
		return 0, err
	}
	return g.next.Load(), nil
}

func (c *Cache) RowCount() (int, error) {
	g, err := c.readable()
	if err != nil {
		return 0, err
	}
	return g.store.RowCount(), nil
}

// WaitForOffset blocks until the record at offset has been applied.
func (c *Cache) WaitForOffset(ctx context.Context, offset int64) error {
	g, err := c.writable()
	if err != nil {
		return err
	}
	if g.next.Load() > offset {
		return nil
	}

	w := g.waiters.add(offset)
	defer g.waiters.remove(w)
	if g.next.Load() > offset {
		return nil
	}

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) Put(ctx context.Context, row, family, qualifier []byte, ts int64, value []byte) (int64, error) {
	if ts == LatestTimestamp {
		ts = time.Now().UnixMilli()
	}
	return c.Mutate(ctx, &codec.Mutation{
		Op:        codec.PutCell,
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Value:     value,
	})
}

// Delete removes the version of a cell written at ts.
func (c *Cache) Delete(ctx context.Context, row, family, qualifier []byte, ts int64) (int64, error) {
	return c.Mutate(ctx, &codec.Mutation{Op: codec.DeleteCell, Row: row, Family: family, Qualifier: qualifier, Timestamp: ts})
}

// DeleteQualifier removes every version of a cell.
func (c *Cache) DeleteQualifier(ctx context.Context, row, family, qualifier []byte) (int64, error) {
	return c.Mutate(ctx, &codec.Mutation{Op: codec.DeleteQualifier, Row: row, Family: family, Qualifier: qualifier})
}

func (c *Cache) DeleteFamily(ctx context.Context, row, family []byte) (int64, error) {
	return c.Mutate(ctx, &codec.Mutation{Op: codec.DeleteFamily, Row: row, Family: family})
}

func (c *Cache) DeleteRow(ctx context.Context, row []byte) (int64, error) {
	return c.Mutate(ctx, &codec.Mutation{Op: codec.DeleteRow, Row: row})
}

// Mutate appends m to the log and returns its offset. The store is not
// touched; the mutation becomes visible when the applier reaches it.
func (c *Cache) Mutate(ctx context.Context, m *codec.Mutation) (int64, error) {
	if _, err := c.writable(); err != nil {
		return 0, err
	}

	payload, err := c.codec.Encode(m)
	if err != nil {
		return 0, err
	}

	var offset int64
	err = c.retry(ctx, "append", func() error {
		var err error
		offset, err = c.log.Append(ctx, c.topic, m.Key(), payload)
		return err
	})
	if err != nil {
		return 0, err
	}

	c.metrics.appended.Inc()
	c.logger.Debug().Int64("offset", offset).Stringer("mutation", m).Msg("appended")
	return offset, nil
}

// MutateSync appends m and waits until it has been applied.
func (c *Cache) MutateSync(ctx context.Context, m *codec.Mutation) (int64, error) {
	offset, err := c.Mutate(ctx, m)
	if err != nil {
		return 0, err
	}
	return offset, c.WaitForOffset(ctx, offset)
}

func (c *Cache) PutSync(ctx context.Context, row, family, qualifier []byte, ts int64, value []byte) (int64, error) {
	offset, err := c.Put(ctx, row, family, qualifier, ts, value)
	if err != nil {
		return 0, err
	}
	return offset, c.WaitForOffset(ctx, offset)
}

func (c *Cache) DeleteSync(ctx context.Context, row, family, qualifier []byte, ts int64) (int64, error) {
	offset, err := c.Delete(ctx, row, family, qualifier, ts)
	if err != nil {
		return 0, err
	}
	return offset, c.WaitForOffset(ctx, offset)
}
