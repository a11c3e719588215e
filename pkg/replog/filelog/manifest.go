package filelog

import (
	"encoding/json"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const manifestName = "manifest.json"

// manifest lists the segments of one topic. First is the first retained
// offset, which may lie inside the oldest segment after a truncation.
type manifest struct {
	dirPath  string
	First    int64   `json:"first"`
	Segments []int64 `json:"segments"`
}

func loadManifest(dirPath string) (*manifest, error) {
	m := &manifest{dirPath: dirPath}

	data, err := os.ReadFile(path.Join(dirPath, manifestName))
	if os.IsNotExist(err) {
		m.Segments = []int64{0}
		return m, m.save()
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Annotatef(ErrCorrupt, "%s: %v", manifestName, err)
	}
	if len(m.Segments) == 0 {
		return nil, errors.Annotatef(ErrCorrupt, "%s: no segments", manifestName)
	}
	return m, nil
}

func (m *manifest) save() error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Trace(err)
	}

	temp := path.Join(m.dirPath, "manifest-"+uuid.NewString()+".temp")
	if err := os.WriteFile(temp, data, 0644); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(temp, path.Join(m.dirPath, manifestName)); err != nil {
		os.Remove(temp)
		return errors.Trace(err)
	}
	return nil
}
