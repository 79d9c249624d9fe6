package evidence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("evidence not found")

// Store persists captured frames and hands back an opaque reference.
type Store interface {
	Save(image []byte) (string, error)
	Open(ref string) (io.ReadCloser, error)
}

// FileStore writes frames as <dir>/<uuid>.jpg.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty frame")
	}

	ref := uuid.NewString()
	path := s.path(ref)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, image, 0644); err != nil {
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit evidence: %w", err)
	}
	return ref, nil
}

// Open only accepts references produced by Save, so a caller cannot walk
// outside the evidence directory.
func (s *FileStore) Open(ref string) (io.ReadCloser, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open evidence: %w", err)
	}
	return f, nil
}

func (s *FileStore) path(ref string) string {
	return filepath.Join(s.dir, ref+".jpg")
}
