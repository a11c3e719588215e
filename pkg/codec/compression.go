package codec

import (
	"bufio"
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/pierrec/lz4"
)

// Compression identifies the codec applied to a record body.
type Compression byte

const (
	NoCompression Compression = iota
	SnappyCompression
	Lz4Compression
	unknownCompression
)

func (c Compression) isValid() bool {
	return c < unknownCompression
}

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case Lz4Compression:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, bool) {
	switch name {
	case "", "none":
		return NoCompression, true
	case "snappy":
		return SnappyCompression, true
	case "lz4":
		return Lz4Compression, true
	}
	return unknownCompression, false
}

type Compressor interface {
	Compress([]byte) ([]byte, error)
}

type Decompressor interface {
	Decompress([]byte) ([]byte, error)
}

type algorithm struct {
	Compressor
	Decompressor
}

var algorithms = map[Compression]algorithm{
	NoCompression:     {noCompression{}, noCompression{}},
	SnappyCompression: {snappyCompression{}, snappyCompression{}},
	Lz4Compression:    {lz4Compression{}, lz4Compression{}},
}

type noCompression struct{}

func (noCompression) Compress(p []byte) ([]byte, error) {
	return p, nil
}

func (noCompression) Decompress(p []byte) ([]byte, error) {
	return p, nil
}

type snappyCompression struct{}

func (snappyCompression) Compress(p []byte) ([]byte, error) {
	return snappy.Encode(nil, p), nil
}

func (snappyCompression) Decompress(p []byte) ([]byte, error) {
	return snappy.Decode(nil, p)
}

type lz4Compression struct{}

func (lz4Compression) Compress(p []byte) ([]byte, error) {
	var b bytes.Buffer
	buffer := bufio.NewWriter(&b)
	writer := lz4.NewWriter(buffer)
	if _, err := writer.Write(p); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := buffer.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (lz4Compression) Decompress(p []byte) ([]byte, error) {
	var b bytes.Buffer
	if _, err := io.Copy(&b, lz4.NewReader(bytes.NewReader(p))); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Compress encodes p with c.
func (c Compression) Compress(p []byte) ([]byte, error) {
	a, ok := algorithms[c]
	if !ok {
		return nil, errors.NotSupportedf("compression %d", c)
	}
	return a.Compress(p)
}

// Decompress decodes p, which must have been produced by c.Compress.
func (c Compression) Decompress(p []byte) ([]byte, error) {
	a, ok := algorithms[c]
	if !ok {
		return nil, errors.NotSupportedf("compression %d", c)
	}
	return a.Decompress(p)
}
