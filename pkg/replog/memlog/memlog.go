// Package memlog is an in-process replog.Log. Records live in memory for the
// lifetime of the Log value, which makes it suitable for tests and for
// embedding several table replicas in one process.
package memlog

import (
	"context"
	"sync"

	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/util"
	"github.com/juju/errors"
)

// Log keeps one partition per topic.
type Log struct {
	mu        sync.RWMutex
	topics    map[string]*partition
	connected bool
	closed    bool
	// changed is closed and replaced whenever connectivity changes.
	changed chan struct{}
}

type partition struct {
	first   int64 // first retained offset
	records []replog.Record
	// appended is closed and replaced on every append.
	appended chan struct{}
}

func (p *partition) end() int64 {
	return p.first + int64(len(p.records))
}

func New() *Log {
	return &Log{
		topics:    make(map[string]*partition),
		connected: true,
		changed:   make(chan struct{}),
	}
}

func (l *Log) checkLocked() error {
	if l.closed {
		return replog.ErrClosed
	}
	if !l.connected {
		return replog.ErrUnavailable
	}
	return nil
}

func (l *Log) EnsureTopic(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(); err != nil {
		return err
	}
	if _, ok := l.topics[topic]; !ok {
		l.topics[topic] = &partition{appended: make(chan struct{})}
	}
	return nil
}

func (l *Log) Append(_ context.Context, topic string, key, value []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(); err != nil {
		return 0, err
	}
	return l.appendLocked(topic, replog.Record{Key: util.Clone(key), Value: util.Clone(value)})
}

// AppendRaw appends even while disconnected. Tests use it to inject records
// from another writer.
func (l *Log) AppendRaw(topic string, key, value []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset, _ := l.appendLocked(topic, replog.Record{Key: util.Clone(key), Value: util.Clone(value)})
	return offset
}

// AppendControl appends a control record, the way a transaction marker
// takes up an offset in Kafka.
func (l *Log) AppendControl(topic string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset, _ := l.appendLocked(topic, replog.Record{Control: true})
	return offset
}

func (l *Log) appendLocked(topic string, rec replog.Record) (int64, error) {
	p, ok := l.topics[topic]
	if !ok {
		return 0, errors.Annotate(replog.ErrUnknownTopic, topic)
	}

	offset := p.end()
	rec.Offset = offset
	p.records = append(p.records, rec)
	close(p.appended)
	p.appended = make(chan struct{})
	return offset, nil
}

func (l *Log) Offsets(_ context.Context, topic string) (int64, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkLocked(); err != nil {
		return 0, 0, err
	}
	p, ok := l.topics[topic]
	if !ok {
		return 0, 0, errors.Annotate(replog.ErrUnknownTopic, topic)
	}
	return p.first, p.end(), nil
}

func (l *Log) Subscribe(_ context.Context, topic string, from int64) (replog.Subscription, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkLocked(); err != nil {
		return nil, err
	}
	p, ok := l.topics[topic]
	if !ok {
		return nil, errors.Annotate(replog.ErrUnknownTopic, topic)
	}
	if from < p.first || from > p.end() {
		return nil, errors.Annotatef(replog.ErrOffsetOutOfRange, "%s@%d (retained %d..%d)", topic, from, p.first, p.end())
	}
	return &subscription{log: l, topic: topic, position: from, done: make(chan struct{})}, nil
}

// Truncate drops every record below offset, as retention would.
func (l *Log) Truncate(topic string, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.topics[topic]
	if !ok || offset <= p.first {
		return
	}
	offset = min(offset, p.end())
	p.records = append([]replog.Record(nil), p.records[offset-p.first:]...)
	p.first = offset
}

// Disconnect makes every call fail with replog.ErrUnavailable until Reconnect.
// Open subscriptions fail as well and have to be re-established.
func (l *Log) Disconnect() {
	l.setConnected(false)
}

func (l *Log) Reconnect() {
	l.setConnected(true)
}

func (l *Log) setConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connected = connected
	close(l.changed)
	l.changed = make(chan struct{})
}

// Records returns a copy of the retained records of topic.
func (l *Log) Records(topic string) []replog.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.topics[topic]
	if !ok {
		return nil
	}
	return append([]replog.Record(nil), p.records...)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.changed)
		l.changed = make(chan struct{})
	}
	return nil
}

type subscription struct {
	log      *Log
	topic    string
	position int64
	broken   bool
	done     chan struct{}
	once     sync.Once
}

func (s *subscription) Next(ctx context.Context) (replog.Record, error) {
	for {
		rec, appended, changed, err := s.poll()
		if err != nil || appended == nil {
			return rec, err
		}

		select {
		case <-ctx.Done():
			return replog.Record{}, ctx.Err()
		case <-s.done:
			return replog.Record{}, replog.ErrClosed
		case <-appended:
		case <-changed:
		}
	}
}

// poll returns the next record, or the channels to wait on when there is none.
func (s *subscription) poll() (rec replog.Record, appended, changed <-chan struct{}, err error) {
	s.log.mu.RLock()
	defer s.log.mu.RUnlock()

	select {
	case <-s.done:
		return rec, nil, nil, replog.ErrClosed
	default:
	}
	if s.broken {
		return rec, nil, nil, replog.ErrUnavailable
	}
	if err := s.log.checkLocked(); err != nil {
		if errors.Is(err, replog.ErrUnavailable) {
			s.broken = true
		}
		return rec, nil, nil, err
	}

	p := s.log.topics[s.topic]
	if s.position < p.first {
		return rec, nil, nil, errors.Annotatef(replog.ErrOffsetOutOfRange, "%s@%d truncated", s.topic, s.position)
	}
	if s.position < p.end() {
		rec = p.records[s.position-p.first]
		s.position++
		return rec, nil, nil, nil
	}

	return replog.Record{}, p.appended, s.log.changed, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
