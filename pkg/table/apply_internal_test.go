package table

import (
	"context"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/replog/memlog"
	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("apply", func() {
	var (
		c *Cache
		g *generation
	)

	BeforeEach(func() {
		cfg := DefaultConfig()
		cfg.Logger = zerolog.Nop()
		c = New(memlog.New(), "apply_0", cfg)
		g = &generation{store: cellstore.New(), waiters: newWaiters()}
	})

	rec := func(offset int64, ts int64, value string) replog.Record {
		b, err := c.codec.Encode(&codec.Mutation{
			Op: codec.PutCell, Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"),
			Timestamp: ts, Value: []byte(value),
		})
		Expect(err).NotTo(HaveOccurred())
		return replog.Record{Offset: offset, Value: b}
	}

	It("should skip redelivered records", func() {
		Expect(c.apply(g, rec(0, 1, "a"))).To(Succeed())
		Expect(c.apply(g, rec(1, 1, "b"))).To(Succeed())
		Expect(c.apply(g, rec(0, 1, "a"))).To(Succeed())

		cell, ok := g.store.GetLatest([]byte("r"), []byte("f"), []byte("q"))
		Expect(ok).To(BeTrue())
		Expect(cell.Value).To(Equal([]byte("b")))
		Expect(g.next.Load()).To(Equal(int64(2)))
	})

	It("should move past gaps", func() {
		Expect(c.apply(g, rec(5, 1, "a"))).To(Succeed())
		Expect(g.next.Load()).To(Equal(int64(6)))
	})

	It("should release waiters in offset order", func() {
		w0 := g.waiters.add(0)
		w1 := g.waiters.add(1)
		w1b := g.waiters.add(1)
		Expect(g.waiters.len()).To(Equal(3))

		Expect(c.apply(g, rec(0, 1, "a"))).To(Succeed())
		Expect(w0.done).To(Receive(BeNil()))
		Expect(w1.done).NotTo(Receive())
		Expect(g.waiters.len()).To(Equal(2))

		Expect(c.apply(g, rec(1, 2, "b"))).To(Succeed())
		Expect(w1.done).To(Receive(BeNil()))
		Expect(w1b.done).To(Receive(BeNil()))
		Expect(g.waiters.len()).To(Equal(0))
	})

	It("should fail pending and future waiters", func() {
		w := g.waiters.add(3)
		g.waiters.fail(ErrNotInitialized)
		Expect(w.done).To(Receive(MatchError(ErrNotInitialized)))

		late := g.waiters.add(4)
		var err error
		Expect(late.done).To(Receive(&err))
		Expect(errors.Is(err, ErrNotInitialized)).To(BeTrue())
		Expect(g.waiters.len()).To(Equal(0))
	})

	It("should not become ready once closed", func() {
		c.gen.Store(g)
		c.setState(CatchingUp)
		Expect(c.markReady(context.Background(), g)).To(BeTrue())
		Expect(c.State()).To(Equal(Ready))

		c.setState(Closed)
		Expect(c.markReady(context.Background(), g)).To(BeFalse())
		Expect(c.State()).To(Equal(Closed))

		c.setState(CatchingUp)
		Expect(c.markReady(context.Background(), &generation{})).To(BeFalse())
		Expect(c.State()).To(Equal(CatchingUp))
	})
})
