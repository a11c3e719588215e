// Package cellstore holds the materialized contents of a table as four nested
// sorted maps: row -> family -> qualifier -> timestamp -> value.
//
// Rows, families and qualifiers are ordered by unsigned byte comparison.
// Timestamps are kept newest first, so the latest version of a cell is always
// the first entry of its qualifier.
//
// A Store has one writer and any number of concurrent readers. Structural
// changes are published with a single link update: a new row, family or
// qualifier becomes visible already holding its first cell, and a removal
// unlinks the highest level that would be left empty. Readers therefore never
// observe an empty or half-deleted level.
//
// Rows handed out by GetRow and ScanRows are copies taken between two
// writes, so a row always reads as it was after some applied mutation.
package cellstore

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/iterator"
	"github.com/johnjamespj/kstore/pkg/orderedmap"
	"github.com/juju/errors"
)

// snapshotAttempts bounds the lock-free tries of a row copy before it
// waits for the writer instead.
const snapshotAttempts = 8

const (
	estimatedRows       = 1 << 16
	estimatedFamilies   = 8
	estimatedQualifiers = 16
	estimatedVersions   = 4
)

type Store struct {
	rows  atomic.Pointer[rowMap]
	cells atomic.Int64
	mu    sync.Mutex
	// seq is odd while a write is in progress.
	seq atomic.Uint64
}

func New() *Store {
	s := &Store{}
	s.rows.Store(newRowMap())
	return s
}

func newRowMap() *rowMap {
	return orderedmap.New[[]byte, *familyMap](orderedmap.Bytes, estimatedRows)
}

func newFamilies(family, qualifier []byte, ts int64, value []byte) *familyMap {
	fams := orderedmap.New[[]byte, *qualifierMap](orderedmap.Bytes, estimatedFamilies)
	fams.Put(family, newQualifiers(qualifier, ts, value))
	return fams
}

func newQualifiers(qualifier []byte, ts int64, value []byte) *qualifierMap {
	quals := orderedmap.New[[]byte, *versionMap](orderedmap.Bytes, estimatedQualifiers)
	quals.Put(qualifier, newVersions(ts, value))
	return quals
}

func newVersions(ts int64, value []byte) *versionMap {
	versions := orderedmap.New[int64, []byte](orderedmap.Descending[int64], estimatedVersions)
	versions.Put(ts, value)
	return versions
}

// write takes the writer lock and marks a write in progress until the
// returned func runs.
func (s *Store) write() func() {
	s.mu.Lock()
	s.seq.Add(1)
	return func() {
		s.seq.Add(1)
		s.mu.Unlock()
	}
}

// PutCell stores value under the given coordinates, replacing any value with
// the same timestamp. The store keeps the passed slices; callers must not
// modify them afterwards.
func (s *Store) PutCell(row, family, qualifier []byte, ts int64, value []byte) {
	defer s.write()()

	rows := s.rows.Load()
	fams, ok := rows.Get(row)
	if !ok {
		rows.Put(row, newFamilies(family, qualifier, ts, value))
		s.cells.Add(1)
		return
	}

	quals, ok := fams.Get(family)
	if !ok {
		fams.Put(family, newQualifiers(qualifier, ts, value))
		s.cells.Add(1)
		return
	}

	versions, ok := quals.Get(qualifier)
	if !ok {
		quals.Put(qualifier, newVersions(ts, value))
		s.cells.Add(1)
		return
	}

	if !versions.Put(ts, value) {
		s.cells.Add(1)
	}
}

// DeleteCell removes exactly one version and reports whether it existed.
func (s *Store) DeleteCell(row, family, qualifier []byte, ts int64) bool {
	defer s.write()()

	rows, fams, quals, versions, ok := s.lookup(row, family, qualifier)
	if !ok || !versions.Contains(ts) {
		return false
	}

	switch {
	case versions.Len() > 1:
		versions.Delete(ts)
	case quals.Len() > 1:
		quals.Delete(qualifier)
	case fams.Len() > 1:
		fams.Delete(family)
	default:
		rows.Delete(row)
	}
	s.cells.Add(-1)
	return true
}

// DeleteQualifier removes every version of a qualifier.
func (s *Store) DeleteQualifier(row, family, qualifier []byte) bool {
	defer s.write()()

	rows, fams, quals, versions, ok := s.lookup(row, family, qualifier)
	if !ok {
		return false
	}

	removed := versions.Len()
	switch {
	case quals.Len() > 1:
		quals.Delete(qualifier)
	case fams.Len() > 1:
		fams.Delete(family)
	default:
		rows.Delete(row)
	}
	s.cells.Add(-int64(removed))
	return true
}

// DeleteFamily removes a family with everything below it.
func (s *Store) DeleteFamily(row, family []byte) bool {
	defer s.write()()

	rows := s.rows.Load()
	fams, ok := rows.Get(row)
	if !ok {
		return false
	}
	quals, ok := fams.Get(family)
	if !ok {
		return false
	}

	removed := countQualifiers(quals)
	if fams.Len() > 1 {
		fams.Delete(family)
	} else {
		rows.Delete(row)
	}
	s.cells.Add(-removed)
	return true
}

// DeleteRow removes a row with everything below it.
func (s *Store) DeleteRow(row []byte) bool {
	defer s.write()()

	rows := s.rows.Load()
	fams, ok := rows.Get(row)
	if !ok {
		return false
	}

	removed := countFamilies(fams)
	rows.Delete(row)
	s.cells.Add(-removed)
	return true
}

// Apply dispatches a decoded log mutation.
func (s *Store) Apply(m *codec.Mutation) error {
	switch m.Op {
	case codec.PutCell:
		s.PutCell(m.Row, m.Family, m.Qualifier, m.Timestamp, m.Value)
	case codec.DeleteCell:
		s.DeleteCell(m.Row, m.Family, m.Qualifier, m.Timestamp)
	case codec.DeleteQualifier:
		s.DeleteQualifier(m.Row, m.Family, m.Qualifier)
	case codec.DeleteFamily:
		s.DeleteFamily(m.Row, m.Family)
	case codec.DeleteRow:
		s.DeleteRow(m.Row)
	default:
		return errors.NotSupportedf("mutation %s", m.Op)
	}
	return nil
}

// Clear drops all contents. Readers holding views keep the old state.
func (s *Store) Clear() {
	defer s.write()()

	s.rows.Store(newRowMap())
	s.cells.Store(0)
}

// GetLatest returns the version with the greatest timestamp.
func (s *Store) GetLatest(row, family, qualifier []byte) (Cell, bool) {
	_, _, _, versions, ok := s.lookup(row, family, qualifier)
	if !ok {
		return Cell{}, false
	}
	return Column{versions: versions}.Latest()
}

// GetVersions returns at most maxVersions cells, newest first. A non-positive
// maxVersions yields nothing. The lookup is repeated on every pass.
func (s *Store) GetVersions(row, family, qualifier []byte, maxVersions int) iterator.Iterable[Cell] {
	if maxVersions <= 0 {
		return iterator.Empty[Cell]()
	}
	all := iterator.New(func() iterator.Iterator[Cell] {
		_, _, _, versions, ok := s.lookup(row, family, qualifier)
		if !ok {
			return iterator.Empty[Cell]().Itr()
		}
		return Column{versions: versions}.Versions().Itr()
	})
	return all.Take(maxVersions)
}

// GetRow returns a view of a single row.
func (s *Store) GetRow(row []byte) (Row, bool) {
	fams, ok := s.rows.Load().Get(row)
	if !ok {
		return Row{}, false
	}
	return s.snapshot(row, fams), true
}

// ScanRows walks rows in [startRow, endRow) in ascending order. A nil bound
// leaves that side open.
func (s *Store) ScanRows(startRow, endRow []byte) iterator.Iterable[Row] {
	lo, hi := orderedmap.Unbounded[[]byte](), orderedmap.Unbounded[[]byte]()
	if startRow != nil {
		lo = orderedmap.Inclusive(startRow)
	}
	if endRow != nil {
		hi = orderedmap.Exclusive(endRow)
	}

	return iterator.New(func() iterator.Iterator[Row] {
		return iterator.Map(s.rows.Load().Ascend(lo, hi), func(e orderedmap.Entry[[]byte, *familyMap]) Row {
			return s.snapshot(e.Key, e.Value)
		}).Itr()
	})
}

// Dump walks every cell in the store.
func (s *Store) Dump() iterator.Iterable[CellRecord] {
	return iterator.FlatMap(iterator.Map(s.ScanRows(nil, nil), Row.Cells))
}

// Load puts every record into the store.
func (s *Store) Load(records iterator.Iterable[CellRecord]) {
	records.ForEach(func(rec CellRecord) bool {
		s.PutCell(rec.Row, rec.Family, rec.Qualifier, rec.Timestamp, rec.Value)
		return true
	})
}

// snapshot copies fams while no write is in progress. After
// snapshotAttempts lost races it copies under the writer lock.
func (s *Store) snapshot(key []byte, fams *familyMap) Row {
	for i := 0; i < snapshotAttempts; i++ {
		before := s.seq.Load()
		if before%2 == 1 {
			runtime.Gosched()
			continue
		}
		copied := copyFamilies(fams)
		if s.seq.Load() == before {
			return Row{Key: key, families: copied}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Row{Key: key, families: copyFamilies(fams)}
}

func (s *Store) RowCount() int {
	return s.rows.Load().Len()
}

func (s *Store) CellCount() int64 {
	return s.cells.Load()
}

func (s *Store) lookup(row, family, qualifier []byte) (*rowMap, *familyMap, *qualifierMap, *versionMap, bool) {
	rows := s.rows.Load()
	fams, ok := rows.Get(row)
	if !ok {
		return nil, nil, nil, nil, false
	}
	quals, ok := fams.Get(family)
	if !ok {
		return nil, nil, nil, nil, false
	}
	versions, ok := quals.Get(qualifier)
	if !ok {
		return nil, nil, nil, nil, false
	}
	return rows, fams, quals, versions, true
}

func countFamilies(fams *familyMap) int64 {
	var n int64
	fams.Ascend(orderedmap.Unbounded[[]byte](), orderedmap.Unbounded[[]byte]()).
		ForEach(func(e orderedmap.Entry[[]byte, *qualifierMap]) bool {
			n += countQualifiers(e.Value)
			return true
		})
	return n
}

func countQualifiers(quals *qualifierMap) int64 {
	var n int64
	quals.Ascend(orderedmap.Unbounded[[]byte](), orderedmap.Unbounded[[]byte]()).
		ForEach(func(e orderedmap.Entry[[]byte, *versionMap]) bool {
			n += int64(e.Value.Len())
			return true
		})
	return n
}
