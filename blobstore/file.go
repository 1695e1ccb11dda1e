package blobstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileStore is a filesystem-backed Facade for single-node production
// deployments. Writes are atomic: data is written to a uniquely-named
// temp file in the same directory, then renamed into place, so a
// crash mid-write never leaves a torn object behind.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if
// necessary.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, Fatal(baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) resolve(path string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path))
}

func (s *FileStore) Get(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(path)
		}
		return nil, Transient(path, err)
	}
	return data, nil
}

func (s *FileStore) Put(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Fatal(path, err)
	}

	tmp := full + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Transient(path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return Transient(path, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.resolve(path))
	if err != nil && !os.IsNotExist(err) {
		return Transient(path, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	root := s.baseDir
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		slash := filepath.ToSlash(rel)
		if strings.HasSuffix(slash, ".tmp") {
			return nil
		}
		if strings.HasPrefix(slash, prefix) {
			out = append(out, slash)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Transient(prefix, err)
	}
	return out, nil
}

func (s *FileStore) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data)
}

var _ Facade = (*FileStore)(nil)
