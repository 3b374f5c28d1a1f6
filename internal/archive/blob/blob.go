// Package blob stores export artifacts as files under one root directory.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/caisse/internal/archive/domain"
)

// Store keeps artifact bytes. Keys are relative, slash separated paths.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
}

// FileStore writes artifacts below root. Every call is bounded by timeout.
type FileStore struct {
	root      string
	timeout   time.Duration
	now       func() time.Time
	writeFile func(name string, data []byte, perm fs.FileMode) error
}

func NewFileStore(root string, timeout time.Duration) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &FileStore{root: root, timeout: timeout, now: time.Now, writeFile: os.WriteFile}, nil
}

// Put stores data under a fresh date-partitioned key ending in name.
func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	now := s.now().UTC()
	key := filepath.ToSlash(filepath.Join(
		now.Format("2006"),
		now.Format("01"),
		ulid.Make().String()+"-"+filepath.Base(name),
	))

	path := s.path(key)
	tmp := path + ".tmp"
	err := s.run(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		if err := s.writeFile(tmp, data, 0o640); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}, func() {
		// Nobody records a key for an abandoned write.
		_ = os.Remove(tmp)
		_ = os.Remove(path)
	})
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return key, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.run(ctx, func() error {
		raw, err := os.ReadFile(s.path(key))
		if err != nil {
			return err
		}
		data = raw
		return nil
	}, nil)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// Open reads the whole artifact within the timeout and hands back an
// in-memory reader, so slow clients never hold the file open.
func (s *FileStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	err := s.run(ctx, func() error {
		err := os.Remove(s.path(key))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	return filepath.Join(s.root, clean)
}

// run executes fn and gives up when the timeout or ctx fires first. The
// abandoned call finishes in the background, then undo reverts whatever it
// left behind. undo never runs for a call whose result was returned.
func (s *FileStore) run(ctx context.Context, fn func() error, undo func()) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var (
		mu        sync.Mutex
		abandoned bool
	)
	done := make(chan error, 1)
	go func() {
		err := fn()
		mu.Lock()
		defer mu.Unlock()
		if abandoned && undo != nil {
			undo()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		select {
		case err := <-done:
			return err
		default:
		}
		abandoned = true
		return ctx.Err()
	}
}

func translate(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", domain.ErrBlobNotFound, err)
	}
	return err
}
