package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/starius/flock"
	"github.com/torcore/tor-core/torerr"
)

// FileStore is a Store backed by a directory tree, one file per key,
// with components mapped directly onto path segments. A single
// directory-wide lock file (held for the lifetime of the FileStore)
// keeps a second process from opening the same store concurrently,
// since the on-disk layout is not safe for multi-writer access.
type FileStore struct {
	root     string
	mu       sync.Mutex
	lockFile *os.File
}

// OpenFileStore creates root if necessary and acquires its directory
// lock. Close must be called to release the lock.
func OpenFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, torerr.Wrap(torerr.KindInternal, "create store directory", err)
	}
	lockPath := filepath.Join(root, ".lock")
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInternal, "open store lock file", err)
	}
	if err := flock.LockFile(f); err != nil {
		_ = f.Close()
		return nil, torerr.Wrap(torerr.KindInternal, "store directory already locked by another process", err)
	}
	return &FileStore{root: root, lockFile: f}, nil
}

// Close releases the directory lock. The FileStore must not be used
// afterward.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if unlockErr := flock.UnlockFile(s.lockFile); unlockErr != nil {
		err = errors.Join(err, fmt.Errorf("unlock: %w", unlockErr))
	}
	if closeErr := s.lockFile.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close: %w", closeErr))
	}
	return err
}

func (s *FileStore) path(key ArtiPath) (string, error) {
	if _, err := NewArtiPath(string(key)); err != nil {
		return "", err
	}
	parts := strings.Split(string(key), "/")
	return filepath.Join(s.root, filepath.Join(parts...)), nil
}

func (s *FileStore) Get(ctx context.Context, key ArtiPath) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, torerr.Wrap(torerr.KindInternal, "read stored blob", err)
	}
	return data, true, nil
}

func (s *FileStore) Put(ctx context.Context, key ArtiPath, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return torerr.Wrap(torerr.KindInternal, "create blob parent directory", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return torerr.Wrap(torerr.KindInternal, "write blob", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return torerr.Wrap(torerr.KindInternal, "commit blob", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key ArtiPath) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return torerr.Wrap(torerr.KindInternal, "delete blob", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix ArtiPath) ([]ArtiPath, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []ArtiPath
	err = filepath.Walk(root, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)
		if strings.HasSuffix(relSlash, ".tmp") {
			return nil
		}
		if _, err := NewArtiPath(relSlash); err != nil {
			// Not a blob key (e.g. the directory lock file); skip it.
			return nil
		}
		keys = append(keys, ArtiPath(relSlash))
		return nil
	})
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInternal, "list store", err)
	}
	return keys, nil
}
