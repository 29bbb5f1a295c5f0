package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend is the blob layer under the catalog. Keys are slash separated
// relative paths such as "<md5>/<file>".
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid dataset key: %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid dataset key: %q", key)
		}
	}
	return nil
}

// FileBackend is a filesystem-backed implementation of Backend.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBackend creates the backend rooted at baseDir.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	//nolint:gosec // G301: 0755 is intentional for shared dataset directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure dataset dir: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(key))
}

func (b *FileBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(key)
	//nolint:gosec // G301: see NewFileBackend
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dataset dir: %w", err)
	}

	// Write to temp, then rename
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to stage blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, err := os.Open(b.path(key)) //nolint:gosec // key validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	return f, nil
}

func (b *FileBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := os.Stat(b.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	// Drop the per-dataset directory once it is empty.
	if dir := filepath.Dir(path); dir != filepath.Clean(b.baseDir) {
		_ = os.Remove(dir)
	}
	return nil
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
