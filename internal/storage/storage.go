/**
 * @description
 * This package stores drop artifacts. Metadata lives in the store package; this one
 * only moves bytes, keyed by the drop's storage key.
 *
 * @dependencies
 * - context, io, os, path/filepath: Standard Go libraries.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found in storage")
	ErrInvalidKey     = errors.New("invalid storage key")
	ErrObjectExists   = errors.New("object already exists in storage")
)

// FileStorage is the artifact store used by uploads and the download gate.
type FileStorage interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Open returns a reader over the artifact and its size. The caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// LocalStorage keeps artifacts as plain files in one directory.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the uploads directory when needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads dir: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

func (s *LocalStorage) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, key), nil
}

// Save writes the artifact. An existing file with the same key is left untouched.
func (s *LocalStorage) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrObjectExists
	}
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(p)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if size >= 0 && written != size {
		log.Printf("level=warn component=storage backend=local msg=\"artifact size differs from declared size\" key=%s declared=%d written=%d", key, size, written)
	}
	return nil
}

// Open streams the artifact from disk.
func (s *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// Exists reports whether a regular file is stored under key.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
