package filelog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/johnjamespj/kstore/pkg/util"
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack"
)

const ErrCorrupt = errors.ConstError("filelog: segment is corrupt")

// frameHeaderSize is md5(payload) followed by len(payload).
const frameHeaderSize = util.ChecksumSize + 8

type frameRecord struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

func segmentName(base int64) string {
	return fmt.Sprintf("%020d.seg", base)
}

// segment is one file of consecutive records starting at base. positions
// holds the file offset of every frame, so record base+i starts at
// positions[i].
type segment struct {
	base      int64
	path      string
	positions []int64
	size      int64
}

func (s *segment) end() int64 {
	return s.base + int64(len(s.positions))
}

func encodeFrame(key, value []byte) ([]byte, error) {
	payload, err := msgpack.Marshal(&frameRecord{Key: key, Value: value})
	if err != nil {
		return nil, errors.Trace(err)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	copy(frame, util.Checksum(payload))
	util.PutInt64(frame[util.ChecksumSize:], int64(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

func decodePayload(payload []byte) (*frameRecord, error) {
	var rec frameRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, errors.Annotate(ErrCorrupt, err.Error())
	}
	return &rec, nil
}

// readFrameAt reads the frame starting at pos.
func readFrameAt(r io.ReaderAt, pos int64) (*frameRecord, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := r.ReadAt(header, pos); err != nil {
		return nil, errors.Annotatef(ErrCorrupt, "header at %d: %v", pos, err)
	}

	size := util.BytesToInt64(header, util.ChecksumSize)
	payload := make([]byte, size)
	if _, err := r.ReadAt(payload, pos+frameHeaderSize); err != nil {
		return nil, errors.Annotatef(ErrCorrupt, "payload at %d: %v", pos, err)
	}
	if !bytes.Equal(util.Checksum(payload), header[:util.ChecksumSize]) {
		return nil, errors.Annotatef(ErrCorrupt, "checksum at %d", pos)
	}
	return decodePayload(payload)
}

// frameScanner walks the frames of a segment file from the start. It stops
// at the first frame that is short or fails its checksum; valid is the end
// of the last good frame.
type frameScanner struct {
	r     *bufio.Reader
	limit int64
	valid int64
}

func (s *frameScanner) Move() (int64, bool) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(s.r, header); err != nil {
		return 0, false
	}

	size := util.BytesToInt64(header, util.ChecksumSize)
	if size < 0 || s.valid+frameHeaderSize+size > s.limit {
		return 0, false
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return 0, false
	}
	if !bytes.Equal(util.Checksum(payload), header[:util.ChecksumSize]) {
		return 0, false
	}

	pos := s.valid
	s.valid += frameHeaderSize + size
	return pos, true
}

// openSegment indexes the segment at base. When repair is set a torn tail
// is cut off, otherwise it is reported as corruption.
func openSegment(dir string, base int64, repair bool) (*segment, error) {
	seg := &segment{base: base, path: path.Join(dir, segmentName(base))}

	file, err := os.OpenFile(seg.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Trace(err)
	}

	scanner := &frameScanner{r: bufio.NewReader(file), limit: info.Size()}
	for pos, ok := scanner.Move(); ok; pos, ok = scanner.Move() {
		seg.positions = append(seg.positions, pos)
	}
	seg.size = scanner.valid

	if seg.size < info.Size() {
		if !repair {
			return nil, errors.Annotatef(ErrCorrupt, "%s: %d trailing bytes", seg.path, info.Size()-seg.size)
		}
		if err := file.Truncate(seg.size); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return seg, nil
}

// segmentFile is the part of *os.File a segmentWriter needs.
type segmentFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// segmentWriter appends frames to the active segment.
type segmentWriter struct {
	seg  *segment
	file segmentFile
	sync bool
	// broken is set when a failed frame could not be cut off again; the
	// segment then accepts no more frames.
	broken error
}

func newSegmentWriter(seg *segment, sync bool) (*segmentWriter, error) {
	file, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &segmentWriter{seg: seg, file: file, sync: sync}, nil
}

// Write appends one frame. A frame that failed to write or sync is cut off,
// so the next frame starts where the index expects it.
func (w *segmentWriter) Write(key, value []byte) error {
	if w.broken != nil {
		return w.broken
	}

	frame, err := encodeFrame(key, value)
	if err != nil {
		return err
	}

	_, err = w.file.Write(frame)
	if err == nil && w.sync {
		err = w.file.Sync()
	}
	if err != nil {
		if terr := w.file.Truncate(w.seg.size); terr != nil {
			w.broken = errors.Annotatef(ErrCorrupt, "%s: cannot cut off failed frame: %v", w.seg.path, terr)
		}
		return errors.Trace(err)
	}

	w.seg.positions = append(w.seg.positions, w.seg.size)
	w.seg.size += int64(len(frame))
	return nil
}

func (w *segmentWriter) Close() error {
	return w.file.Close()
}
