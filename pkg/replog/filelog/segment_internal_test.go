package filelog

import (
	"os"

	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// flakyFile fails the next Sync, or every Truncate when stuck is set.
type flakyFile struct {
	*os.File
	failSync bool
	stuck    bool
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("sync: input/output error")
	}
	return f.File.Sync()
}

func (f *flakyFile) Truncate(size int64) error {
	if f.stuck {
		return errors.New("truncate: read-only file system")
	}
	return f.File.Truncate(size)
}

var _ = Describe("segmentWriter", func() {
	var (
		dir    string
		seg    *segment
		file   *flakyFile
		writer *segmentWriter
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "kstore-segment")
		Expect(err).NotTo(HaveOccurred())

		seg, err = openSegment(dir, 0, true)
		Expect(err).NotTo(HaveOccurred())
		w, err := newSegmentWriter(seg, true)
		Expect(err).NotTo(HaveOccurred())
		file = &flakyFile{File: w.file.(*os.File)}
		writer = &segmentWriter{seg: seg, file: file, sync: true}
	})

	AfterEach(func() {
		writer.Close()
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	readAt := func(i int) string {
		f, err := os.Open(seg.path)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		rec, err := readFrameAt(f, seg.positions[i])
		Expect(err).NotTo(HaveOccurred())
		return string(rec.Value)
	}

	It("should cut off a frame whose sync failed", func() {
		Expect(writer.Write([]byte("k"), []byte("a"))).To(Succeed())

		file.failSync = true
		Expect(writer.Write([]byte("k"), []byte("lost"))).NotTo(Succeed())
		Expect(seg.positions).To(HaveLen(1))

		Expect(writer.Write([]byte("k"), []byte("b"))).To(Succeed())
		Expect(readAt(0)).To(Equal("a"))
		Expect(readAt(1)).To(Equal("b"))

		info, err := os.Stat(seg.path)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Size()).To(Equal(seg.size))

		reopened, err := openSegment(dir, 0, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(reopened.positions).To(Equal(seg.positions))
	})

	It("should refuse frames when the failed one cannot be cut off", func() {
		file.failSync = true
		file.stuck = true
		Expect(writer.Write([]byte("k"), []byte("lost"))).NotTo(Succeed())

		err := writer.Write([]byte("k"), []byte("b"))
		Expect(errors.Is(err, ErrCorrupt)).To(BeTrue())
		Expect(seg.positions).To(BeEmpty())
	})
})
