package table_test

import (
	"context"

	"github.com/johnjamespj/kstore/pkg/replog/memlog"
	"github.com/johnjamespj/kstore/pkg/schema"
	"github.com/johnjamespj/kstore/pkg/table"
	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Handle", func() {
	var (
		log     *memlog.Log
		subject *table.Handle
		ctx     context.Context
		users   = schema.Value{TableName: "app:users", Epoch: 0, Version: 1}
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = memlog.New()

		var err error
		subject, err = table.Open(log, users, table.WithConfig(testConfig()))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
		Expect(log.Close()).To(Succeed())
	})

	It("should derive the topic from the table identity", func() {
		Expect(subject.Topic()).To(Equal("users_0"))
		Expect(subject.Schema()).To(Equal(users))
		Expect(subject.State()).To(Equal(table.Unopened))
	})

	It("should reject invalid identities", func() {
		_, err := table.Open(log, schema.Value{TableName: "", Epoch: 0})
		Expect(errors.Is(err, errors.NotValid)).To(BeTrue())

		_, err = table.Open(log, schema.Value{TableName: "users", Epoch: -1})
		Expect(errors.Is(err, errors.NotValid)).To(BeTrue())
	})

	It("should use the configured resolver", func() {
		h, err := table.Open(log, users, table.WithResolver(schema.PrefixResolver{Prefix: "test."}))
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Topic()).To(Equal("test.users_0"))
	})

	It("should proxy reads and writes", func() {
		_, err := subject.Put(ctx, []byte("r1"), []byte("cf"), []byte("q1"), 1, []byte("a"))
		Expect(errors.Is(err, table.ErrNotInitialized)).To(BeTrue())

		Expect(subject.Init(ctx)).To(Succeed())
		_, err = subject.PutSync(ctx, []byte("r1"), []byte("cf"), []byte("q1"), 1, []byte("a"))
		Expect(err).NotTo(HaveOccurred())

		cell, ok, err := subject.GetLatest([]byte("r1"), []byte("cf"), []byte("q1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(cell.Value).To(Equal([]byte("a")))
		Expect(subject.AppliedOffset()).To(Equal(int64(1)))

		offset, err := subject.DeleteRow(ctx, []byte("r1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.WaitForOffset(ctx, offset)).To(Succeed())
		_, ok, _ = subject.GetRow([]byte("r1"))
		Expect(ok).To(BeFalse())
	})

	It("should swap metadata within an epoch", func() {
		Expect(subject.Init(ctx)).To(Succeed())

		bumped := users
		bumped.Version = 2
		Expect(subject.SetSchema(bumped)).To(Succeed())
		Expect(subject.Schema().Version).To(Equal(2))
		Expect(subject.State()).To(Equal(table.Ready))
	})

	It("should refuse metadata of another epoch", func() {
		next := users
		next.Epoch = 1
		err := subject.SetSchema(next)
		Expect(errors.Is(err, table.ErrEpochChanged)).To(BeTrue())
		Expect(subject.Schema()).To(Equal(users))
	})

	It("should reopen against a new epoch", func() {
		Expect(subject.Init(ctx)).To(Succeed())
		_, err := subject.PutSync(ctx, []byte("r1"), []byte("cf"), []byte("q1"), 1, []byte("a"))
		Expect(err).NotTo(HaveOccurred())

		next := users
		next.Epoch = 1
		Expect(subject.Reopen(ctx, next)).To(Succeed())
		Expect(subject.Topic()).To(Equal("users_1"))
		Expect(subject.Schema()).To(Equal(next))

		_, ok, err := subject.GetLatest([]byte("r1"), []byte("cf"), []byte("q1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		Expect(subject.Reopen(ctx, users)).To(Succeed())
		_, ok, _ = subject.GetLatest([]byte("r1"), []byte("cf"), []byte("q1"))
		Expect(ok).To(BeTrue())
	})

	It("should close twice and reinitialize", func() {
		Expect(subject.Init(ctx)).To(Succeed())
		Expect(subject.Close()).To(Succeed())
		Expect(subject.Close()).To(Succeed())
		Expect(subject.Init(ctx)).To(Succeed())
	})
})
