package cellstore

import (
	"github.com/johnjamespj/kstore/pkg/iterator"
	"github.com/johnjamespj/kstore/pkg/orderedmap"
)

type (
	versionMap   = orderedmap.Map[int64, []byte]
	qualifierMap = orderedmap.Map[[]byte, *versionMap]
	familyMap    = orderedmap.Map[[]byte, *qualifierMap]
	rowMap       = orderedmap.Map[[]byte, *familyMap]
)

// Cell is one timestamped value.
type Cell struct {
	Timestamp int64
	Value     []byte
}

// CellRecord is a fully addressed cell, used to dump and restore a store.
type CellRecord struct {
	Row       []byte `msgpack:"r"`
	Family    []byte `msgpack:"f"`
	Qualifier []byte `msgpack:"q"`
	Timestamp int64  `msgpack:"t"`
	Value     []byte `msgpack:"v"`
}

// Row is a read-only copy of one row as it was when it was read. Later
// applies do not change it.
type Row struct {
	Key      []byte
	families *familyMap
}

func (r Row) Families() iterator.Iterable[Family] {
	return iterator.Map(r.families.Ascend(orderedmap.Unbounded[[]byte](), orderedmap.Unbounded[[]byte]()),
		func(e orderedmap.Entry[[]byte, *qualifierMap]) Family {
			return Family{Name: e.Key, qualifiers: e.Value}
		})
}

func (r Row) Family(name []byte) (Family, bool) {
	quals, ok := r.families.Get(name)
	if !ok {
		return Family{}, false
	}
	return Family{Name: name, qualifiers: quals}, true
}

// Cells walks every cell of the row, families and qualifiers ascending,
// versions newest first.
func (r Row) Cells() iterator.Iterable[CellRecord] {
	return iterator.FlatMap(iterator.Map(r.Families(), func(f Family) iterator.Iterable[CellRecord] {
		return iterator.FlatMap(iterator.Map(f.Qualifiers(), func(c Column) iterator.Iterable[CellRecord] {
			return iterator.Map(c.Versions(), func(cell Cell) CellRecord {
				return CellRecord{
					Row:       r.Key,
					Family:    f.Name,
					Qualifier: c.Qualifier,
					Timestamp: cell.Timestamp,
					Value:     cell.Value,
				}
			})
		}))
	}))
}

// Family is a read-only view of one column family.
type Family struct {
	Name       []byte
	qualifiers *qualifierMap
}

func (f Family) Qualifiers() iterator.Iterable[Column] {
	return iterator.Map(f.qualifiers.Ascend(orderedmap.Unbounded[[]byte](), orderedmap.Unbounded[[]byte]()),
		func(e orderedmap.Entry[[]byte, *versionMap]) Column {
			return Column{Qualifier: e.Key, versions: e.Value}
		})
}

func (f Family) Qualifier(name []byte) (Column, bool) {
	versions, ok := f.qualifiers.Get(name)
	if !ok {
		return Column{}, false
	}
	return Column{Qualifier: name, versions: versions}, true
}

// Column is a read-only view of the versions of one qualifier.
type Column struct {
	Qualifier []byte
	versions  *versionMap
}

// Versions returns the cells newest first.
func (c Column) Versions() iterator.Iterable[Cell] {
	return iterator.Map(c.versions.Ascend(orderedmap.Unbounded[int64](), orderedmap.Unbounded[int64]()), toCell)
}

func (c Column) Latest() (Cell, bool) {
	e, ok := c.versions.First()
	if !ok {
		return Cell{}, false
	}
	return toCell(e), true
}

func copyFamilies(src *familyMap) *familyMap {
	all := orderedmap.Unbounded[[]byte]()
	fams := orderedmap.New[[]byte, *qualifierMap](orderedmap.Bytes, estimatedFamilies)
	src.Ascend(all, all).ForEach(func(f orderedmap.Entry[[]byte, *qualifierMap]) bool {
		quals := orderedmap.New[[]byte, *versionMap](orderedmap.Bytes, estimatedQualifiers)
		f.Value.Ascend(all, all).ForEach(func(q orderedmap.Entry[[]byte, *versionMap]) bool {
			versions := orderedmap.New[int64, []byte](orderedmap.Descending[int64], estimatedVersions)
			q.Value.Ascend(orderedmap.Unbounded[int64](), orderedmap.Unbounded[int64]()).ForEach(func(v orderedmap.Entry[int64, []byte]) bool {
				versions.Put(v.Key, v.Value)
				return true
			})
			quals.Put(q.Key, versions)
			return true
		})
		fams.Put(f.Key, quals)
		return true
	})
	return fams
}

func toCell(e orderedmap.Entry[int64, []byte]) Cell {
	return Cell{Timestamp: e.Key, Value: e.Value}
}
