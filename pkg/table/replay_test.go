package table_test

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/iterator"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/replog/memlog"
	"github.com/johnjamespj/kstore/pkg/table"
	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// lossyLog drops every subscription after a fixed number of records and
// starts new subscriptions a few offsets early, so records are redelivered.
type lossyLog struct {
	replog.Log
	every  int
	rewind int64
	drops  atomic.Int32
}

func (l *lossyLog) Subscribe(ctx context.Context, topic string, from int64) (replog.Subscription, error) {
	first, _, err := l.Log.Offsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	sub, err := l.Log.Subscribe(ctx, topic, max(from-l.rewind, first))
	if err != nil {
		return nil, err
	}
	return &lossySubscription{Subscription: sub, log: l}, nil
}

type lossySubscription struct {
	replog.Subscription
	log       *lossyLog
	delivered int
}

func (s *lossySubscription) Next(ctx context.Context) (replog.Record, error) {
	if s.delivered >= s.log.every {
		s.log.drops.Add(1)
		return replog.Record{}, errors.Annotate(replog.ErrUnavailable, "connection reset")
	}
	s.delivered++
	return s.Subscription.Next(ctx)
}

func dump(c *table.Cache) []cellstore.CellRecord {
	rows, err := c.ScanRows(nil, nil)
	Expect(err).NotTo(HaveOccurred())
	return iterator.FlatMap(iterator.Map(rows, cellstore.Row.Cells)).ToList()
}

var _ = Describe("Replay", func() {
	var (
		ctx          context.Context
		log          *memlog.Log
		lossy        *lossyLog
		clean, flaky *table.Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = memlog.New()
		Expect(log.EnsureTopic(ctx, topic)).To(Succeed())

		rows := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
		quals := [][]byte{q1, q2, []byte("q3")}
		for i := 0; i < 60; i++ {
			row := rows[i%len(rows)]
			var m *codec.Mutation
			switch i % 10 {
			case 7:
				m = &codec.Mutation{Op: codec.DeleteCell, Row: row, Family: cf, Qualifier: quals[i%3], Timestamp: int64(i - 7)}
			case 9:
				m = &codec.Mutation{Op: codec.DeleteRow, Row: rows[(i/3)%len(rows)]}
			default:
				m = &codec.Mutation{Op: codec.PutCell, Row: row, Family: cf, Qualifier: quals[i%3], Timestamp: int64(i), Value: []byte(fmt.Sprint(i))}
			}
			log.AppendRaw(topic, row, record(m))
		}

		lossy = &lossyLog{Log: log, every: 7, rewind: 2}
		clean = table.New(log, topic, testConfig())
		flaky = table.New(lossy, topic, testConfig())
	})

	AfterEach(func() {
		Expect(flaky.Close()).To(Succeed())
		Expect(clean.Close()).To(Succeed())
		Expect(log.Close()).To(Succeed())
	})

	It("should converge to the same state when catch-up is interrupted", func() {
		Expect(clean.Init(ctx)).To(Succeed())
		Expect(flaky.Init(ctx)).To(Succeed())

		Expect(lossy.drops.Load()).To(BeNumerically(">=", 8))
		Expect(flaky.AppliedOffset()).To(Equal(int64(60)))
		Expect(clean.AppliedOffset()).To(Equal(int64(60)))

		want := dump(clean)
		Expect(want).NotTo(BeEmpty())
		Expect(dump(flaky)).To(Equal(want))
	})

	It("should keep converging while tailing", func() {
		Expect(clean.Init(ctx)).To(Succeed())
		Expect(flaky.Init(ctx)).To(Succeed())

		var last int64
		for ts := int64(100); ts < 120; ts++ {
			offset, err := flaky.PutSync(ctx, r1, cf, q1, ts, []byte("t"))
			Expect(err).NotTo(HaveOccurred())
			last = offset
		}

		Expect(clean.WaitForOffset(ctx, last)).To(Succeed())
		Expect(flaky.AppliedOffset()).To(Equal(last + 1))
		Expect(dump(flaky)).To(Equal(dump(clean)))
		Expect(versions(flaky, r1, q1, 100)).To(HaveLen(20))
	})
})
