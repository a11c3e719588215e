// Package kafkalog implements replog.Log on top of Kafka. Every topic has a
// single partition so that the topic is one totally ordered sequence.
package kafkalog

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnjamespj/kstore/pkg/replog"
	jujuerrors "github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const partition = 0

type Config struct {
	Brokers []string
	// Group prefixes the client id of every connection.
	Group             string
	ReplicationFactor int
	Timeout           time.Duration
	MaxFetchBytes     int
	// IdleTimeout is how long a subscription waits for a fetch before it
	// checks whether the rest of the topic is control records. Zero
	// disables the check.
	IdleTimeout time.Duration
	Logger      zerolog.Logger
}

func DefaultConfig(brokers ...string) Config {
	return Config{
		Brokers:           brokers,
		Group:             "kstore",
		ReplicationFactor: 1,
		Timeout:           10 * time.Second,
		MaxFetchBytes:     10 << 20,
		IdleTimeout:       2 * time.Second,
		Logger:            log.Logger.With().Str("component", "kafkalog").Logger(),
	}
}

// ClientID returns the client id used for topic, <group>-<topic>-<uuid>.
func ClientID(group, topic string) string {
	return group + "-" + topic + "-" + uuid.NewString()
}

type Log struct {
	cfg    Config
	client *kafka.Client

	mu     sync.Mutex
	closed bool
}

func Open(cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, jujuerrors.NotValidf("empty broker list")
	}

	return &Log{
		cfg: cfg,
		client: &kafka.Client{
			Addr:    kafka.TCP(cfg.Brokers...),
			Timeout: cfg.Timeout,
			Transport: &kafka.Transport{
				ClientID: ClientID(cfg.Group, "admin"),
			},
		},
	}, nil
}

func (l *Log) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return replog.ErrClosed
	}
	return nil
}

func (l *Log) EnsureTopic(ctx context.Context, topic string) error {
	if err := l.check(); err != nil {
		return err
	}

	res, err := l.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: l.cfg.ReplicationFactor,
		}},
	})
	if err != nil {
		return translate(err)
	}
	if err := res.Errors[topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return translate(err)
	}

	l.cfg.Logger.Debug().Str("topic", topic).Msg("topic ensured")
	return nil
}

func (l *Log) Append(ctx context.Context, topic string, key, value []byte) (int64, error) {
	if err := l.check(); err != nil {
		return 0, err
	}

	res, err := l.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        topic,
		Partition:    partition,
		RequiredAcks: kafka.RequireAll,
		Records: kafka.NewRecordReader(kafka.Record{
			Key:   kafka.NewBytes(key),
			Value: kafka.NewBytes(value),
		}),
	})
	if err != nil {
		return 0, translate(err)
	}
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.BaseOffset, nil
}

func (l *Log) Offsets(ctx context.Context, topic string) (int64, int64, error) {
	if err := l.check(); err != nil {
		return 0, 0, err
	}

	res, err := l.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{
			topic: {kafka.FirstOffsetOf(partition), kafka.LastOffsetOf(partition)},
		},
	})
	if err != nil {
		return 0, 0, translate(err)
	}

	for _, p := range res.Topics[topic] {
		if p.Partition != partition {
			continue
		}
		if p.Error != nil {
			return 0, 0, translate(p.Error)
		}
		return p.FirstOffset, p.LastOffset, nil
	}
	return 0, 0, jujuerrors.Annotate(replog.ErrUnknownTopic, topic)
}

func (l *Log) Subscribe(ctx context.Context, topic string, from int64) (replog.Subscription, error) {
	first, end, err := l.Offsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	if from < first || from > end {
		return nil, jujuerrors.Annotatef(replog.ErrOffsetOutOfRange, "%s@%d (retained %d..%d)", topic, from, first, end)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.cfg.Brokers,
		Topic:     topic,
		Partition: partition,
		MaxBytes:  l.cfg.MaxFetchBytes,
		Dialer: &kafka.Dialer{
			ClientID: ClientID(l.cfg.Group, topic),
			Timeout:  l.cfg.Timeout,
		},
	})
	if err := reader.SetOffset(from); err != nil {
		reader.Close()
		return nil, translate(err)
	}
	return &subscription{
		fetch: reader.FetchMessage,
		end: func(ctx context.Context) (int64, error) {
			_, end, err := l.Offsets(ctx, topic)
			return end, err
		},
		close:  reader.Close,
		next:   from,
		idle:   l.cfg.IdleTimeout,
		logger: l.cfg.Logger.With().Str("topic", topic).Logger(),
	}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type subscription struct {
	fetch  func(ctx context.Context) (kafka.Message, error)
	end    func(ctx context.Context) (int64, error)
	close  func() error
	next   int64
	idle   time.Duration
	logger zerolog.Logger
	// stuck is the end offset seen at the last idle fetch that found a gap.
	stuck int64
}

// Next returns the next message. Transaction markers take up offsets but are
// never fetched, so when two idle fetches in a row sit below an unchanged
// end offset, Next reports the rest of the topic as one control record.
func (s *subscription) Next(ctx context.Context) (replog.Record, error) {
	for {
		fctx, cancel := ctx, context.CancelFunc(func() {})
		if s.idle > 0 {
			fctx, cancel = context.WithTimeout(ctx, s.idle)
		}
		msg, err := s.fetch(fctx)
		cancel()

		if err == nil {
			s.next, s.stuck = msg.Offset+1, 0
			return replog.Record{Offset: msg.Offset, Key: msg.Key, Value: msg.Value}, nil
		}
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return replog.Record{}, translate(err)
		}

		end, err := s.end(ctx)
		if err != nil {
			return replog.Record{}, err
		}
		if end <= s.next {
			s.stuck = 0
			continue
		}
		if s.stuck != end {
			s.stuck = end
			continue
		}

		s.logger.Debug().Int64("offset", s.next).Int64("end", end).Msg("skipping control records")
		s.next, s.stuck = end, 0
		return replog.Record{Offset: end - 1, Control: true}, nil
	}
}

func (s *subscription) Close() error {
	return s.close()
}

// translate maps kafka and network failures onto the replog error kinds.
func translate(err error) error {
	var kerr kafka.Error
	var nerr net.Error

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, io.ErrClosedPipe):
		return replog.ErrClosed
	case errors.Is(err, kafka.OffsetOutOfRange):
		return jujuerrors.Annotate(replog.ErrOffsetOutOfRange, err.Error())
	case errors.Is(err, kafka.UnknownTopicOrPartition):
		return jujuerrors.Annotate(replog.ErrUnknownTopic, err.Error())
	case errors.As(err, &kerr) && kerr.Temporary():
		return jujuerrors.Annotate(replog.ErrUnavailable, err.Error())
	case errors.As(err, &nerr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return jujuerrors.Annotate(replog.ErrUnavailable, err.Error())
	default:
		return jujuerrors.Trace(err)
	}
}
