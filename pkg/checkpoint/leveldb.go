package checkpoint

import (
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const keyPrefix = "checkpoint/"

// LevelDBStore keeps checkpoints of any number of topics in one LevelDB.
type LevelDBStore struct {
	db          *leveldb.DB
	compression codec.Compression
}

func OpenLevelDB(dir string, compression codec.Compression) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		// snapshots are compressed already
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "open leveldb %s", dir)
	}
	return &LevelDBStore{db: db, compression: compression}, nil
}

func (l *LevelDBStore) Load(topic string) (*Snapshot, error) {
	b, err := l.db.Get([]byte(keyPrefix+topic), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	s, err := decode(b)
	if err != nil {
		return nil, errors.Annotatef(err, "load %s", topic)
	}
	return s, nil
}

func (l *LevelDBStore) Save(s *Snapshot) error {
	b, err := encode(s, l.compression)
	if err != nil {
		return err
	}
	return errors.Trace(l.db.Put([]byte(keyPrefix+s.Topic), b, &opt.WriteOptions{Sync: true}))
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
