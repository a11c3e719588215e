package cellstore_test

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/iterator"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cellstore")
}

var (
	r1 = []byte("r1")
	cf = []byte("cf")
	q1 = []byte("q1")
	q2 = []byte("q2")
)

func rowKeys(it iterator.Iterable[cellstore.Row]) []string {
	return iterator.Map(it, func(r cellstore.Row) string { return string(r.Key) }).ToList()
}

var _ = Describe("Store", func() {
	var subject *cellstore.Store

	BeforeEach(func() {
		subject = cellstore.New()
		subject.PutCell(r1, cf, q1, 100, []byte("a"))
		subject.PutCell(r1, cf, q1, 200, []byte("b"))
	})

	It("should return the latest version", func() {
		cell, ok := subject.GetLatest(r1, cf, q1)
		Expect(ok).To(BeTrue())
		Expect(cell).To(Equal(cellstore.Cell{Timestamp: 200, Value: []byte("b")}))

		_, ok = subject.GetLatest(r1, cf, q2)
		Expect(ok).To(BeFalse())
	})

	It("should return versions newest first", func() {
		Expect(subject.GetVersions(r1, cf, q1, 10).ToList()).To(Equal([]cellstore.Cell{
			{Timestamp: 200, Value: []byte("b")},
			{Timestamp: 100, Value: []byte("a")},
		}))
	})

	It("should bound versions and stay restartable", func() {
		for ts := int64(1); ts <= 20; ts++ {
			subject.PutCell(r1, cf, q2, ts*7%23, []byte{byte(ts)})
		}

		versions := subject.GetVersions(r1, cf, q2, 5)
		list := versions.ToList()
		Expect(list).To(HaveLen(5))
		for i := 1; i < len(list); i++ {
			Expect(list[i].Timestamp).To(BeNumerically("<", list[i-1].Timestamp))
		}
		Expect(versions.ToList()).To(Equal(list))

		Expect(subject.GetVersions(r1, cf, q2, math.MaxInt).Count()).To(Equal(20))
		Expect(subject.GetVersions(r1, cf, q2, 0).Count()).To(Equal(0))
		Expect(subject.GetVersions(r1, cf, q2, -1).ToList()).To(BeEmpty())
		Expect(subject.GetVersions(r1, cf, []byte("none"), 3).ToList()).To(BeEmpty())
	})

	It("should see later applies on a second pass", func() {
		versions := subject.GetVersions(r1, cf, q1, 10)
		Expect(versions.Count()).To(Equal(2))
		subject.PutCell(r1, cf, q1, 300, []byte("c"))
		Expect(versions.Count()).To(Equal(3))
	})

	It("should replace a version with the same timestamp", func() {
		subject.PutCell(r1, cf, q1, 200, []byte("B"))
		Expect(subject.CellCount()).To(Equal(int64(2)))
		cell, _ := subject.GetLatest(r1, cf, q1)
		Expect(cell.Value).To(Equal([]byte("B")))
	})

	It("should fall back to the previous version on delete", func() {
		Expect(subject.DeleteCell(r1, cf, q1, 200)).To(BeTrue())
		cell, ok := subject.GetLatest(r1, cf, q1)
		Expect(ok).To(BeTrue())
		Expect(cell).To(Equal(cellstore.Cell{Timestamp: 100, Value: []byte("a")}))

		Expect(subject.DeleteCell(r1, cf, q1, 200)).To(BeFalse())
	})

	It("should prune empty levels", func() {
		subject.PutCell([]byte("r2"), cf, q1, 1, []byte("x"))
		subject.DeleteCell(r1, cf, q1, 100)
		subject.DeleteCell(r1, cf, q1, 200)

		_, ok := subject.GetRow(r1)
		Expect(ok).To(BeFalse())
		Expect(rowKeys(subject.ScanRows(nil, nil))).To(Equal([]string{"r2"}))
		Expect(subject.RowCount()).To(Equal(1))
		Expect(subject.CellCount()).To(Equal(int64(1)))
	})

	It("should keep siblings when pruning a qualifier", func() {
		subject.PutCell(r1, cf, q2, 1, []byte("x"))
		subject.DeleteQualifier(r1, cf, q1)

		row, ok := subject.GetRow(r1)
		Expect(ok).To(BeTrue())
		fam, ok := row.Family(cf)
		Expect(ok).To(BeTrue())
		Expect(fam.Qualifiers().Count()).To(Equal(1))
		Expect(subject.CellCount()).To(Equal(int64(1)))
	})

	It("should delete families", func() {
		subject.PutCell(r1, []byte("other"), q1, 1, []byte("x"))
		Expect(subject.DeleteFamily(r1, cf)).To(BeTrue())
		Expect(subject.DeleteFamily(r1, cf)).To(BeFalse())

		row, _ := subject.GetRow(r1)
		Expect(row.Families().Count()).To(Equal(1))
		Expect(subject.CellCount()).To(Equal(int64(1)))

		Expect(subject.DeleteFamily(r1, []byte("other"))).To(BeTrue())
		Expect(subject.RowCount()).To(Equal(0))
	})

	It("should recreate deleted rows with only new cells", func() {
		subject.PutCell(r1, []byte("other"), q2, 5, []byte("x"))
		Expect(subject.DeleteRow(r1)).To(BeTrue())
		Expect(rowKeys(subject.ScanRows([]byte("r0"), []byte("r9")))).To(BeEmpty())

		subject.PutCell(r1, cf, q2, 300, []byte("new"))
		row, ok := subject.GetRow(r1)
		Expect(ok).To(BeTrue())
		Expect(row.Cells().ToList()).To(Equal([]cellstore.CellRecord{
			{Row: r1, Family: cf, Qualifier: q2, Timestamp: 300, Value: []byte("new")},
		}))
		Expect(subject.CellCount()).To(Equal(int64(1)))
	})

	It("should scan half-open row ranges", func() {
		for _, k := range []string{"a", "b", "c", "d"} {
			subject.PutCell([]byte(k), cf, q1, 1, []byte(k))
		}
		Expect(rowKeys(subject.ScanRows([]byte("b"), []byte("d")))).To(Equal([]string{"b", "c"}))
		Expect(rowKeys(subject.ScanRows([]byte("c"), nil))).To(Equal([]string{"c", "d", "r1"}))
		Expect(rowKeys(subject.ScanRows(nil, []byte("b")))).To(Equal([]string{"a"}))
	})

	It("should apply decoded mutations", func() {
		Expect(subject.Apply(&codec.Mutation{Op: codec.PutCell, Row: r1, Family: cf, Qualifier: q2, Timestamp: 7, Value: []byte("z")})).To(Succeed())
		Expect(subject.Apply(&codec.Mutation{Op: codec.DeleteCell, Row: r1, Family: cf, Qualifier: q1, Timestamp: 200})).To(Succeed())
		Expect(subject.CellCount()).To(Equal(int64(2)))

		Expect(subject.Apply(&codec.Mutation{Op: codec.DeleteRow, Row: r1})).To(Succeed())
		Expect(subject.RowCount()).To(Equal(0))

		Expect(subject.Apply(&codec.Mutation{Op: 99, Row: r1})).NotTo(Succeed())
	})

	It("should dump and load", func() {
		subject.PutCell([]byte("r0"), cf, q2, 1, []byte("x"))
		dump := subject.Dump().ToList()
		Expect(dump).To(HaveLen(3))
		Expect(string(dump[0].Row)).To(Equal("r0"))
		Expect(dump[1].Timestamp).To(Equal(int64(200)))

		restored := cellstore.New()
		restored.Load(iterator.FromSlice(dump))
		Expect(restored.Dump().ToList()).To(Equal(dump))
		Expect(restored.CellCount()).To(Equal(int64(3)))

		restored.Clear()
		Expect(restored.RowCount()).To(Equal(0))
		Expect(restored.CellCount()).To(Equal(int64(0)))
	})

	It("should never expose a partially deleted family", func() {
		const qualifiers = 50
		var stop atomic.Bool
		var wg sync.WaitGroup

		populate := func() {
			for i := 0; i < qualifiers; i++ {
				subject.PutCell([]byte("hot"), cf, []byte(fmt.Sprintf("q%02d", i)), 1, []byte("v"))
			}
		}
		populate()

		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for !stop.Load() {
					row, ok := subject.GetRow([]byte("hot"))
					if !ok {
						continue
					}
					fam, ok := row.Family(cf)
					if !ok {
						continue
					}
					// q49 is written last, so once visible the family is complete
					// and may only disappear as a whole.
					if _, ok := fam.Qualifier([]byte(fmt.Sprintf("q%02d", qualifiers-1))); !ok {
						continue
					}
					Expect(fam.Qualifiers().Count()).To(Equal(qualifiers))
				}
			}()
		}

		for i := 0; i < 200; i++ {
			subject.DeleteFamily([]byte("hot"), cf)
			populate()
		}
		stop.Store(true)
		wg.Wait()
	})

	It("should read each row as it was after one write", func() {
		f1, f2 := []byte("f1"), []byte("f2")
		subject.PutCell([]byte("pair"), f1, q1, 0, nil)
		subject.PutCell([]byte("pair"), f2, q1, 0, nil)

		var stop atomic.Bool
		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for !stop.Load() {
					subject.ScanRows([]byte("pair"), []byte("pais")).ForEach(func(row cellstore.Row) bool {
						var latest []int64
						row.Families().ForEach(func(f cellstore.Family) bool {
							col, ok := f.Qualifier(q1)
							Expect(ok).To(BeTrue())
							cell, _ := col.Latest()
							latest = append(latest, cell.Timestamp)
							return true
						})
						// f1 is always written first
						Expect(latest).To(HaveLen(2))
						Expect(latest[0] - latest[1]).To(BeElementOf(int64(0), int64(1)))
						return true
					})
				}
			}()
		}

		for ts := int64(1); ts <= 500; ts++ {
			subject.PutCell([]byte("pair"), f1, q1, ts, nil)
			subject.PutCell([]byte("pair"), f2, q1, ts, nil)
		}
		stop.Store(true)
		wg.Wait()
	})
})
