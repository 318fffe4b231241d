package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dj-oyu/parkwatch/internal/logger"
)

// FileStore keeps one JSON document per camera under a directory:
//
//	<dir>/parking_grid_config_<camera_id>.json
//
// Writes go to a temp file in the same directory and are renamed into place,
// so readers see either the old or the new document, never a partial one.
type FileStore struct {
	dir   string
	locks sync.Map // camera id -> *sync.Mutex
	log   *logger.ModuleLogger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reference dir: %w", err)
	}
	return &FileStore{dir: dir, log: logger.For("Reference")}, nil
}

// Path returns the file a camera's record lives in.
func (s *FileStore) Path(cameraID string) string {
	return filepath.Join(s.dir, "parking_grid_config_"+sanitizeID(cameraID)+".json")
}

func (s *FileStore) lock(cameraID string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(cameraID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}

	data, err := json.MarshalIndent(rec.document(), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorageWriteFailed, err)
	}

	mu := s.lock(rec.CameraID)
	mu.Lock()
	defer mu.Unlock()

	if err := writeFileAtomic(s.Path(rec.CameraID), data); err != nil {
		return fmt.Errorf("%w: camera %s: %v", ErrStorageWriteFailed, rec.CameraID, err)
	}
	s.log.Debug("saved %d spaces for camera %s", len(rec.ParkingBoxes), rec.CameraID)
	return nil
}

func (s *FileStore) Load(ctx context.Context, cameraID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStorageReadFailed, err)
	}

	data, err := os.ReadFile(s.Path(cameraID))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: camera %s", ErrNotCalibrated, cameraID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: camera %s: %v", ErrStorageReadFailed, cameraID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: camera %s: decode: %v", ErrStorageReadFailed, cameraID, err)
	}
	rec.CameraID = cameraID
	return rec, nil
}

// writeFileAtomic writes data to a sibling temp file, syncs it, and renames it
// over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// sanitizeID maps a camera id onto a safe file name component. Distinct ids
// that differ only in unsafe characters share a file.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
