// Package storage provides a filesystem-backed object store, used for
// shared-folder remotes and for tests.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	msync "github.com/kimhsiao/millsync/backend/internal/sync"
)

// FileStore stores objects as files under a root directory. Keys map to
// slash-separated relative paths.
type FileStore struct {
	fs   afero.Fs
	root string
	mu   sync.RWMutex
}

var _ msync.ObjectStore = (*FileStore)(nil)

// NewFileStore creates a store rooted at root on fs.
func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: path.Clean("/" + root)}
}

// NewMemoryStore creates a store on an in-memory filesystem.
func NewMemoryStore() *FileStore {
	return NewFileStore(afero.NewMemMapFs(), "/")
}

// CalculateHash calculates the SHA-256 hash of data.
func CalculateHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Upload writes data at key. The file is replaced atomically; unchanged
// content is not rewritten.
func (s *FileStore) Upload(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := afero.ReadFile(s.fs, p); err == nil && CalculateHash(existing) == CalculateHash(data) {
		return nil
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return apperrors.Storage("failed to create directory", err)
	}

	tmp, err := afero.TempFile(s.fs, path.Dir(p), ".upload-*")
	if err != nil {
		return apperrors.Storage("failed to create temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmp.Name())
		return apperrors.Storage("failed to write "+key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return apperrors.Storage("failed to write "+key, err)
	}
	if err := s.fs.Rename(tmp.Name(), p); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return apperrors.Storage("failed to commit "+key, err)
	}
	return nil
}

// Download reads the object at key.
func (s *FileStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := afero.ReadFile(s.fs, p)
	if os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.ErrNotFound, "object not found: "+key)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to read "+key, err)
	}
	return data, nil
}

// Delete removes the object at key. Deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Storage("failed to delete "+key, err)
	}
	return nil
}

// List returns every key starting with prefix, sorted.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		key := strings.TrimPrefix(strings.TrimPrefix(filepathToSlash(p), s.root), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Storage("failed to list "+prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid object key %q", key))
	}
	return path.Join(s.root, key), nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
