// Package codec converts cell mutations to and from the opaque payloads stored
// in the replicated log.
//
// Record layout:
//
//	+-------------+-----------------+-------------------------+------+
//	| version (1) | compression (1) | xxhash64 of body (8, BE) | body |
//	+-------------+-----------------+-------------------------+------+
//
// The body is a msgpack sequence: op, row, family, qualifier, timestamp, value.
// Decoders reject anything they do not fully understand with ErrMalformed so
// that appliers can skip the record without touching their state.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack"
)

const (
	formatVersion = 1
	headerSize    = 10
)

// ErrMalformed is returned for payloads that cannot be decoded.
const ErrMalformed = errors.ConstError("codec: malformed record")

// Op is the kind of change a mutation applies.
type Op uint8

const (
	PutCell Op = iota + 1
	DeleteCell
	DeleteQualifier
	DeleteFamily
	DeleteRow
)

func (o Op) String() string {
	switch o {
	case PutCell:
		return "put"
	case DeleteCell:
		return "delete-cell"
	case DeleteQualifier:
		return "delete-qualifier"
	case DeleteFamily:
		return "delete-family"
	case DeleteRow:
		return "delete-row"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// IsTombstone reports whether the op removes data.
func (o Op) IsTombstone() bool {
	return o >= DeleteCell && o <= DeleteRow
}

// Mutation is a single cell-level change carried by one log record.
type Mutation struct {
	Op        Op
	Row       []byte
	Family    []byte
	Qualifier []byte
	Timestamp int64
	Value     []byte
}

// Key returns the log record key for the mutation.
func (m *Mutation) Key() []byte {
	return m.Row
}

// Validate checks that the coordinates required by the op are present.
func (m *Mutation) Validate() error {
	if len(m.Row) == 0 {
		return errors.NotValidf("empty row key")
	}
	switch m.Op {
	case PutCell, DeleteCell, DeleteQualifier:
		if len(m.Qualifier) == 0 {
			return errors.NotValidf("%s without qualifier", m.Op)
		}
		fallthrough
	case DeleteFamily:
		if len(m.Family) == 0 {
			return errors.NotValidf("%s without family", m.Op)
		}
	case DeleteRow:
	default:
		return errors.NotValidf("%s", m.Op)
	}
	return nil
}

func (m *Mutation) String() string {
	return fmt.Sprintf("Mutation{Op: %s, Row: %q, Family: %q, Qualifier: %q, Timestamp: %d, size: %d}",
		m.Op, m.Row, m.Family, m.Qualifier, m.Timestamp, len(m.Value))
}

// Codec encodes mutations with a fixed compression and decodes any supported one.
type Codec struct {
	compression Compression
}

func New(compression Compression) *Codec {
	if !compression.isValid() {
		compression = NoCompression
	}
	return &Codec{compression: compression}
}

func (c *Codec) Compression() Compression {
	return c.compression
}

func (c *Codec) Encode(m *Mutation) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, err := range []error{
		enc.EncodeInt64(int64(m.Op)),
		enc.EncodeBytes(m.Row),
		enc.EncodeBytes(m.Family),
		enc.EncodeBytes(m.Qualifier),
		enc.EncodeInt64(m.Timestamp),
		enc.EncodeBytes(m.Value),
	} {
		if err != nil {
			return nil, errors.Annotate(err, "encode mutation")
		}
	}

	body, err := algorithms[c.compression].Compress(buf.Bytes())
	if err != nil {
		return nil, errors.Annotatef(err, "compress with %s", c.compression)
	}

	out := make([]byte, headerSize+len(body))
	out[0] = formatVersion
	out[1] = byte(c.compression)
	binary.BigEndian.PutUint64(out[2:headerSize], xxhash.Sum64(body))
	copy(out[headerSize:], body)
	return out, nil
}

func (c *Codec) Decode(b []byte) (*Mutation, error) {
	if len(b) < headerSize {
		return nil, errors.Annotatef(ErrMalformed, "%d byte payload", len(b))
	}
	if b[0] != formatVersion {
		return nil, errors.Annotatef(ErrMalformed, "unsupported version %d", b[0])
	}

	compression := Compression(b[1])
	if !compression.isValid() {
		return nil, errors.Annotatef(ErrMalformed, "unknown compression %d", b[1])
	}

	body := b[headerSize:]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(b[2:headerSize]) {
		return nil, errors.Annotate(ErrMalformed, "checksum mismatch")
	}

	raw, err := algorithms[compression].Decompress(body)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformed, "%s: %v", compression, err)
	}

	m, err := decodeBody(raw)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformed, "body: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Annotatef(ErrMalformed, "%v", err)
	}
	return m, nil
}

func decodeBody(raw []byte) (*Mutation, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))

	op, err := dec.DecodeInt64()
	if err != nil {
		return nil, err
	}

	m := &Mutation{Op: Op(op)}
	if m.Row, err = dec.DecodeBytes(); err != nil {
		return nil, err
	}
	if m.Family, err = dec.DecodeBytes(); err != nil {
		return nil, err
	}
	if m.Qualifier, err = dec.DecodeBytes(); err != nil {
		return nil, err
	}
	if m.Timestamp, err = dec.DecodeInt64(); err != nil {
		return nil, err
	}
	if m.Value, err = dec.DecodeBytes(); err != nil {
		return nil, err
	}
	return m, nil
}
