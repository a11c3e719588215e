package checkpoint_test

import (
	"os"
	"path"
	"testing"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/checkpoint"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "checkpoint")
}

var snapshot = &checkpoint.Snapshot{
	Topic:  "users_0",
	Offset: 42,
	Cells: []cellstore.CellRecord{
		{Row: []byte("r1"), Family: []byte("cf"), Qualifier: []byte("q1"), Timestamp: 200, Value: []byte("b")},
		{Row: []byte("r1"), Family: []byte("cf"), Qualifier: []byte("q1"), Timestamp: 100, Value: []byte("a")},
	},
}

func behavesLikeStore(open func(dir string) checkpoint.Store) {
	var (
		dir     string
		subject checkpoint.Store
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "checkpoint")
		Expect(err).NotTo(HaveOccurred())
		subject = open(dir)
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
		os.RemoveAll(dir)
	})

	It("should return nil without a checkpoint", func() {
		s, err := subject.Load("users_0")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeNil())
	})

	It("should save and load", func() {
		Expect(subject.Save(snapshot)).To(Succeed())

		s, err := subject.Load("users_0")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal(snapshot))
	})

	It("should replace older checkpoints", func() {
		Expect(subject.Save(snapshot)).To(Succeed())
		Expect(subject.Save(&checkpoint.Snapshot{Topic: "users_0", Offset: 50})).To(Succeed())

		s, err := subject.Load("users_0")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Offset).To(Equal(int64(50)))
		Expect(s.Cells).To(BeEmpty())
	})

	It("should keep topics apart", func() {
		Expect(subject.Save(snapshot)).To(Succeed())

		s, err := subject.Load("users_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeNil())
	})
}

var _ = Describe("FileStore", func() {
	var dir string

	behavesLikeStore(func(d string) checkpoint.Store {
		dir = d
		store, err := checkpoint.NewFileStore(d, codec.Lz4Compression)
		Expect(err).NotTo(HaveOccurred())
		return store
	})

	It("should leave no temp files behind", func() {
		store, _ := checkpoint.NewFileStore(dir, codec.Lz4Compression)
		Expect(store.Save(snapshot)).To(Succeed())

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name()).To(Equal("users_0.ckpt"))
	})

	It("should report corrupt checkpoints", func() {
		Expect(os.WriteFile(path.Join(dir, "users_0.ckpt"), []byte("garbage"), 0644)).To(Succeed())

		store, _ := checkpoint.NewFileStore(dir, codec.Lz4Compression)
		_, err := store.Load("users_0")
		Expect(errors.Is(err, checkpoint.ErrCorrupt)).To(BeTrue())
	})
})

var _ = Describe("LevelDBStore", func() {
	behavesLikeStore(func(dir string) checkpoint.Store {
		store, err := checkpoint.OpenLevelDB(path.Join(dir, "db"), codec.SnappyCompression)
		Expect(err).NotTo(HaveOccurred())
		return store
	})
})
