// Package filelog is a durable single-node replog.Log on local files.
//
// Every topic is a directory holding a manifest.json and a run of segment
// files. A segment holds SegmentRecords frames of the form
// [md5(payload):16][len(payload):8][payload]; the active segment is the last
// one and is the only one written to.
package filelog

import (
	"context"
	"os"
	"path"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Dir            string
	SegmentRecords int
	// OpenSegments bounds the number of segment files kept open for reading.
	OpenSegments int
	SyncWrites   bool
	Logger       zerolog.Logger
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SegmentRecords: 4096,
		OpenSegments:   16,
		Logger:         log.Logger.With().Str("component", "filelog").Logger(),
	}
}

type Log struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topicLog
	closed bool

	handlesMu sync.Mutex
	handles   *lru.Cache[string, *os.File]
}

type topicLog struct {
	name string
	dir  string

	mu       sync.RWMutex
	manifest *manifest
	segments []*segment
	writer   *segmentWriter
	appended chan struct{}
	closed   bool
}

func (t *topicLog) first() int64 {
	return t.manifest.First
}

func (t *topicLog) end() int64 {
	return t.segments[len(t.segments)-1].end()
}

// find returns the segment holding offset, which must be retained.
func (t *topicLog) find(offset int64) *segment {
	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].end() > offset
	})
	return t.segments[i]
}

func Open(cfg Config) (*Log, error) {
	if cfg.SegmentRecords <= 0 {
		return nil, errors.NotValidf("segment records %d", cfg.SegmentRecords)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}

	handles, err := lru.NewWithEvict(max(cfg.OpenSegments, 1), func(_ string, file *os.File) {
		file.Close()
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Log{
		cfg:     cfg,
		topics:  make(map[string]*topicLog),
		handles: handles,
	}, nil
}

// topic returns the open topic, loading it from disk if its directory exists.
func (l *Log) topic(name string, create bool) (*topicLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, replog.ErrClosed
	}
	if t, ok := l.topics[name]; ok {
		return t, nil
	}

	dir := path.Join(l.cfg.Dir, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if !create {
			return nil, errors.Annotate(replog.ErrUnknownTopic, name)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Trace(err)
		}
	}

	t, err := l.loadTopic(name, dir)
	if err != nil {
		return nil, errors.Annotatef(err, "topic %s", name)
	}
	l.topics[name] = t
	return t, nil
}

func (l *Log) loadTopic(name, dir string) (*topicLog, error) {
	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	t := &topicLog{name: name, dir: dir, manifest: m, appended: make(chan struct{})}
	for i, base := range m.Segments {
		last := i == len(m.Segments)-1
		seg, err := openSegment(dir, base, last)
		if err != nil {
			return nil, err
		}
		if !last && seg.end() != m.Segments[i+1] {
			return nil, errors.Annotatef(ErrCorrupt, "%s ends at %d, next segment starts at %d", seg.path, seg.end(), m.Segments[i+1])
		}
		t.segments = append(t.segments, seg)
	}

	t.writer, err = newSegmentWriter(t.segments[len(t.segments)-1], l.cfg.SyncWrites)
	if err != nil {
		return nil, err
	}

	l.cfg.Logger.Debug().
		Str("topic", name).
		Int64("first", t.first()).
		Int64("end", t.end()).
		Int("segments", len(t.segments)).
		Msg("topic loaded")
	return t, nil
}

func (l *Log) EnsureTopic(_ context.Context, topic string) error {
	_, err := l.topic(topic, true)
	return err
}

func (l *Log) Append(_ context.Context, topic string, key, value []byte) (int64, error) {
	t, err := l.topic(topic, false)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, replog.ErrClosed
	}
	if len(t.writer.seg.positions) >= l.cfg.SegmentRecords {
		if err := l.roll(t); err != nil {
			return 0, err
		}
	}

	offset := t.end()
	if err := t.writer.Write(key, value); err != nil {
		return 0, errors.Annotatef(err, "append %s@%d", topic, offset)
	}
	close(t.appended)
	t.appended = make(chan struct{})
	return offset, nil
}

// roll starts a new active segment at the current end.
func (l *Log) roll(t *topicLog) error {
	base := t.end()
	seg, err := openSegment(t.dir, base, true)
	if err != nil {
		return err
	}
	writer, err := newSegmentWriter(seg, l.cfg.SyncWrites)
	if err != nil {
		return err
	}

	t.manifest.Segments = append(t.manifest.Segments, base)
	if err := t.manifest.save(); err != nil {
		t.manifest.Segments = t.manifest.Segments[:len(t.manifest.Segments)-1]
		writer.Close()
		return err
	}

	t.writer.Close()
	t.writer = writer
	t.segments = append(t.segments, seg)

	l.cfg.Logger.Debug().Str("topic", t.name).Int64("base", base).Msg("segment rolled")
	return nil
}

func (l *Log) Offsets(_ context.Context, topic string) (int64, int64, error) {
	t, err := l.topic(topic, false)
	if err != nil {
		return 0, 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return 0, 0, replog.ErrClosed
	}
	return t.first(), t.end(), nil
}

func (l *Log) Subscribe(_ context.Context, topic string, from int64) (replog.Subscription, error) {
	t, err := l.topic(topic, false)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if from < t.first() || from > t.end() {
		return nil, errors.Annotatef(replog.ErrOffsetOutOfRange, "%s@%d (retained %d..%d)", topic, from, t.first(), t.end())
	}
	return &subscription{log: l, topic: t, position: from, done: make(chan struct{})}, nil
}

// Truncate drops records below offset. Whole segments below it are removed
// from disk; the active segment is never removed.
func (l *Log) Truncate(topic string, offset int64) error {
	t, err := l.topic(topic, false)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	offset = min(offset, t.end())
	if offset <= t.first() {
		return nil
	}

	keep := 0
	for keep < len(t.segments)-1 && t.segments[keep].end() <= offset {
		keep++
	}
	removed := t.segments[:keep]

	t.manifest.First = offset
	t.manifest.Segments = t.manifest.Segments[keep:]
	if err := t.manifest.save(); err != nil {
		return err
	}
	t.segments = t.segments[keep:]

	for _, seg := range removed {
		l.dropHandle(seg.path)
		if err := os.Remove(seg.path); err != nil {
			l.cfg.Logger.Warn().Err(err).Str("segment", seg.path).Msg("failed to remove segment")
		}
	}
	return nil
}

func (l *Log) read(seg *segment, offset int64) (*frameRecord, error) {
	l.handlesMu.Lock()
	defer l.handlesMu.Unlock()

	file, ok := l.handles.Get(seg.path)
	if !ok {
		var err error
		file, err = os.Open(seg.path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		l.handles.Add(seg.path, file)
	}
	return readFrameAt(file, seg.positions[offset-seg.base])
}

func (l *Log) dropHandle(path string) {
	l.handlesMu.Lock()
	defer l.handlesMu.Unlock()
	l.handles.Remove(path)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, t := range l.topics {
		t.mu.Lock()
		t.closed = true
		if err := t.writer.Close(); err != nil && firstErr == nil {
			firstErr = errors.Trace(err)
		}
		close(t.appended)
		t.appended = make(chan struct{})
		t.mu.Unlock()
	}

	l.handlesMu.Lock()
	l.handles.Purge()
	l.handlesMu.Unlock()
	return firstErr
}

type subscription struct {
	log      *Log
	topic    *topicLog
	position int64
	done     chan struct{}
	once     sync.Once
}

func (s *subscription) Next(ctx context.Context) (replog.Record, error) {
	for {
		rec, appended, err := s.poll()
		if err != nil || appended == nil {
			return rec, err
		}

		select {
		case <-ctx.Done():
			return replog.Record{}, ctx.Err()
		case <-s.done:
			return replog.Record{}, replog.ErrClosed
		case <-appended:
		}
	}
}

func (s *subscription) poll() (replog.Record, <-chan struct{}, error) {
	t := s.topic
	t.mu.RLock()
	defer t.mu.RUnlock()

	select {
	case <-s.done:
		return replog.Record{}, nil, replog.ErrClosed
	default:
	}
	if t.closed {
		return replog.Record{}, nil, replog.ErrClosed
	}
	if s.position < t.first() {
		return replog.Record{}, nil, errors.Annotatef(replog.ErrOffsetOutOfRange, "%s@%d truncated", t.name, s.position)
	}
	if s.position >= t.end() {
		return replog.Record{}, t.appended, nil
	}

	frame, err := s.log.read(t.find(s.position), s.position)
	if err != nil {
		return replog.Record{}, nil, errors.Annotatef(err, "%s@%d", t.name, s.position)
	}

	rec := replog.Record{Offset: s.position, Key: frame.Key, Value: frame.Value}
	s.position++
	return rec, nil, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
