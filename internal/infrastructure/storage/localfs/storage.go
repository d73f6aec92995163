package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

// LocalPath maps a slash-separated key below the base directory.
func (s *Storage) LocalPath(key string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	return filepath.Join(s.basePath, clean)
}

// Save writes through a temp file and renames it into place, so readers
// never observe a half-written object.
func (s *Storage) Save(_ context.Context, key string, data io.Reader) error {
	path := s.LocalPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.LocalPath(key))
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.LocalPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(s.LocalPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat file: %w", err)
	}
	return !info.IsDir(), nil
}

func (s *Storage) DeleteTree(_ context.Context, prefix string) error {
	path := s.LocalPath(prefix)
	if path == s.basePath || !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %q", prefix)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove tree: %w", err)
	}
	return nil
}

// TryLock takes a file lock shared with every process using the same base dir.
// Release removes the lock file while still holding the lock.
func (s *Storage) TryLock(_ context.Context, key string) (func(), bool, error) {
	path := s.LocalPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		_ = os.Remove(path)
		_ = lock.Unlock()
	}, true, nil
}
