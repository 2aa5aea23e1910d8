package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// Storage is a read-only view of a directory of model artifacts. Keys are
// slash-separated and never escape the base directory.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/models"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

// Resolve maps a key to its absolute path under the base directory.
func (s *Storage) Resolve(key string) string {
	return filepath.Join(s.basePath, filepath.Clean("/"+filepath.ToSlash(key)))
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Resolve(key))
	if err != nil {
		return nil, wrapNotFound("open", key, err)
	}
	return f, nil
}

func (s *Storage) Stat(_ context.Context, key string) (fs.FileInfo, error) {
	info, err := os.Stat(s.Resolve(key))
	if err != nil {
		return nil, wrapNotFound("stat", key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("stat %s: %w: is a directory", key, ErrArtifactNotFound)
	}
	return info, nil
}

func wrapNotFound(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w: %w", op, key, ErrArtifactNotFound, err)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
