// Package replog defines the replicated, append-only log that tables use as
// their system of record.
//
// A log holds any number of topics. Each topic is a single ordered sequence of
// records addressed by dense, monotonically increasing offsets. Consumers
// subscribe from an offset and receive records in offset order; delivery is at
// least once, so a consumer may see an offset again after a reconnect and must
// skip what it has already applied.
package replog

import (
	"context"

	"github.com/juju/errors"
)

const (
	// ErrUnavailable marks transient transport failures. Callers may retry.
	ErrUnavailable = errors.ConstError("replog: log unavailable")

	// ErrClosed is returned by a log or subscription after Close.
	ErrClosed = errors.ConstError("replog: closed")

	// ErrOffsetOutOfRange is returned when subscribing below the first
	// retained offset or beyond the end of the topic.
	ErrOffsetOutOfRange = errors.ConstError("replog: offset out of range")

	// ErrUnknownTopic is returned for topics that were never created.
	ErrUnknownTopic = errors.ConstError("replog: unknown topic")
)

// Record is one entry of a topic.
type Record struct {
	Offset int64
	Key    []byte
	Value  []byte
	// Control records carry no table data. They only take up their offset,
	// and consumers move past them.
	Control bool
}

type Log interface {
	// EnsureTopic creates the topic if it does not exist yet.
	EnsureTopic(ctx context.Context, topic string) error

	// Append writes one record and returns its offset.
	Append(ctx context.Context, topic string, key, value []byte) (int64, error)

	// Offsets returns the first retained offset and the end offset, which is
	// the offset the next appended record will get.
	Offsets(ctx context.Context, topic string) (first, end int64, err error)

	// Subscribe starts reading topic at offset from.
	Subscribe(ctx context.Context, topic string, from int64) (Subscription, error)

	Close() error
}

type Subscription interface {
	// Next blocks until the next record is available, ctx is done, or the
	// subscription fails.
	Next(ctx context.Context) (Record, error)

	Close() error
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
