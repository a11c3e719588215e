package checkpoint

import (
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/juju/errors"
)

// FileStore keeps one file per topic in a directory. Saves go to a temp
// file that is renamed over the previous checkpoint.
type FileStore struct {
	dir         string
	compression codec.Compression
}

func NewFileStore(dir string, compression codec.Compression) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	return &FileStore{dir: dir, compression: compression}, nil
}

func (f *FileStore) filename(topic string) string {
	return path.Join(f.dir, topic+".ckpt")
}

func (f *FileStore) Load(topic string) (*Snapshot, error) {
	b, err := os.ReadFile(f.filename(topic))
	if os.IsNotExist(err) {
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

func (f *FileStore) Save(s *Snapshot) error {
	b, err := encode(s, f.compression)
	if err != nil {
		return err
	}

	temp := path.Join(f.dir, s.Topic+"-"+uuid.NewString()+".temp")
	if err := os.WriteFile(temp, b, 0644); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(temp, f.filename(s.Topic)); err != nil {
		os.Remove(temp)
		return errors.Trace(err)
	}
	return nil
}

func (f *FileStore) Close() error {
	return nil
}
