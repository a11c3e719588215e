package table

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/iterator"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/schema"
	"github.com/juju/errors"
)

type Option func(*Handle)

func WithConfig(cfg Config) Option {
	return func(h *Handle) { h.cfg = cfg }
}

func WithResolver(r schema.Resolver) Option {
	return func(h *Handle) { h.resolver = r }
}

// Handle is one open table: its schema metadata and the cache of its topic.
type Handle struct {
	log      replog.Log
	cfg      Config
	resolver schema.Resolver

	// mu serializes SetSchema and Reopen.
	mu     sync.Mutex
	schema atomic.Pointer[schema.Value]
	cache  atomic.Pointer[Cache]
}

// Open creates the handle of table v. The table is unusable until Init.
func Open(log replog.Log, v schema.Value, opts ...Option) (*Handle, error) {
	h := &Handle{
		log:      log,
		cfg:      DefaultConfig(),
		resolver: schema.DefaultResolver{},
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}
	topic, err := h.resolver.Topic(v)
	if err != nil {
		return nil, err
	}

	h.schema.Store(&v)
	h.cache.Store(New(log, topic, h.cfg))
	return h, nil
}

func (h *Handle) Init(ctx context.Context) error {
	if err := h.cache.Load().Init(ctx); err != nil {
		return err
	}

	v := h.Schema()
	h.cfg.Logger.Info().
		Str("table", v.TableName).
		Int("epoch", v.Epoch).
		Int("version", v.Version).
		Str("topic", h.Topic()).
		Msg("initialized table")
	return nil
}

func (h *Handle) Close() error {
	return h.cache.Load().Close()
}

func (h *Handle) Schema() schema.Value {
	return *h.schema.Load()
}

func (h *Handle) Topic() string {
	return h.cache.Load().Topic()
}

func (h *Handle) State() State {
	return h.cache.Load().State()
}

// SetSchema replaces the schema metadata. Metadata that resolves to another
// topic, i.e. a new epoch or name, is rejected with ErrEpochChanged; use
// Reopen for that.
func (h *Handle) SetSchema(v schema.Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	topic, err := h.resolver.Topic(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if current := h.Topic(); topic != current {
		return errors.Annotatef(ErrEpochChanged, "%s -> %s", current, topic)
	}
	h.schema.Store(&v)
	return nil
}

// Reopen closes the current cache and initializes one for v, which may be
// a new epoch of the table.
func (h *Handle) Reopen(ctx context.Context, v schema.Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	topic, err := h.resolver.Topic(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	old := h.cache.Load()
	if err := old.Close(); err != nil {
		h.mu.Unlock()
		return err
	}
	h.schema.Store(&v)
	h.cache.Store(New(h.log, topic, h.cfg))
	h.mu.Unlock()

	return h.Init(ctx)
}

func (h *Handle) GetLatest(row, family, qualifier []byte) (cellstore.Cell, bool, error) {
	return h.cache.Load().GetLatest(row, family, qualifier)
}

func (h *Handle) GetVersions(row, family, qualifier []byte, maxVersions int) (iterator.Iterable[cellstore.Cell], error) {
	return h.cache.Load().GetVersions(row, family, qualifier, maxVersions)
}

func (h *Handle) GetRow(row []byte) (cellstore.Row, bool, error) {
	return h.cache.Load().GetRow(row)
}

func (h *Handle) ScanRows(startRow, endRow []byte) (iterator.Iterable[cellstore.Row], error) {
	return h.cache.Load().ScanRows(startRow, endRow)
}

func (h *Handle) AppliedOffset() (int64, error) {
	return h.cache.Load().AppliedOffset()
}

func (h *Handle) WaitForOffset(ctx context.Context, offset int64) error {
	return h.cache.Load().WaitForOffset(ctx, offset)
}

func (h *Handle) Put(ctx context.Context, row, family, qualifier []byte, ts int64, value []byte) (int64, error) {
	return h.cache.Load().Put(ctx, row, family, qualifier, ts, value)
}

func (h *Handle) PutSync(ctx context.Context, row, family, qualifier []byte, ts int64, value []byte) (int64, error) {
	return h.cache.Load().PutSync(ctx, row, family, qualifier, ts, value)
}

func (h *Handle) Delete(ctx context.Context, row, family, qualifier []byte, ts int64) (int64, error) {
	return h.cache.Load().Delete(ctx, row, family, qualifier, ts)
}

func (h *Handle) DeleteSync(ctx context.Context, row, family, qualifier []byte, ts int64) (int64, error) {
	return h.cache.Load().DeleteSync(ctx, row, family, qualifier, ts)
}

func (h *Handle) DeleteQualifier(ctx context.Context, row, family, qualifier []byte) (int64, error) {
	return h.cache.Load().DeleteQualifier(ctx, row, family, qualifier)
}

func (h *Handle) DeleteFamily(ctx context.Context, row, family []byte) (int64, error) {
	return h.cache.Load().DeleteFamily(ctx, row, family)
}

func (h *Handle) DeleteRow(ctx context.Context, row []byte) (int64, error) {
	return h.cache.Load().DeleteRow(ctx, row)
}
