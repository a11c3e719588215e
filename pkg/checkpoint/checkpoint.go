// Package checkpoint persists table snapshots together with the log offset
// they were taken at, so a restarting table can skip replaying the prefix of
// its topic. A checkpoint only ever accelerates catch-up: the log stays the
// source of truth and a checkpoint that does not fit the log is discarded.
package checkpoint

import (
	"github.com/cespare/xxhash/v2"
	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack"
)

const ErrCorrupt = errors.ConstError("checkpoint: corrupt snapshot")

// Snapshot is the state of a table after applying every record below Offset.
type Snapshot struct {
	Topic  string                 `msgpack:"topic"`
	Offset int64                  `msgpack:"offset"`
	Cells  []cellstore.CellRecord `msgpack:"cells"`
}

type Store interface {
	// Load returns the latest snapshot of topic, or nil when there is none.
	Load(topic string) (*Snapshot, error)
	Save(s *Snapshot) error
	Close() error
}

type envelope struct {
	Compression codec.Compression `msgpack:"c"`
	Checksum    uint64            `msgpack:"x"`
	Body        []byte            `msgpack:"b"`
}

func encode(s *Snapshot, compression codec.Compression) ([]byte, error) {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return nil, errors.Annotate(err, "encode snapshot")
	}
	body, err := compression.Compress(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "compress with %s", compression)
	}
	return msgpack.Marshal(&envelope{
		Compression: compression,
		Checksum:    xxhash.Sum64(body),
		Body:        body,
	})
}

func decode(b []byte) (*Snapshot, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, errors.Annotate(ErrCorrupt, err.Error())
	}
	if xxhash.Sum64(env.Body) != env.Checksum {
		return nil, errors.Annotate(ErrCorrupt, "checksum mismatch")
	}

	raw, err := env.Compression.Decompress(env.Body)
	if err != nil {
		return nil, errors.Annotate(ErrCorrupt, err.Error())
	}

	var s Snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, errors.Annotate(ErrCorrupt, err.Error())
	}
	return &s, nil
}
