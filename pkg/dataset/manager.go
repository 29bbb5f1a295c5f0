package dataset

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the dataset identity, not a security control
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const recordFile = "dataset.json"

// record is the catalog entry stored beside each tarball.
type record struct {
	Name       string         `json:"name"`
	ResourceID string         `json:"resource_id"`
	File       string         `json:"file"`
	Size       int64          `json:"size"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Manager implements Store on top of a Backend. Tarballs are keyed by the
// MD5 of their content.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

var _ Store = (*Manager)(nil)

func NewManager(backend Backend) *Manager {
	return &Manager{
		backend:  backend,
		logger:   slog.Default().With("component", "dataset"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

func recordKey(resourceID string) string {
	return resourceID + "/" + recordFile
}

// lock claims a resource ID for the calling operation.
func (m *Manager) lock(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[resourceID]; busy {
		return false
	}
	m.inflight[resourceID] = struct{}{}
	return true
}

func (m *Manager) unlock(resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, resourceID)
}

// Create registers the tarball at path. On success the source file has been
// moved into the store.
func (m *Manager) Create(ctx context.Context, path string) (*Tarball, error) {
	f, err := os.Open(path) //nolint:gosec // staged by intake
	if err != nil {
		return nil, fmt.Errorf("open tarball: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat tarball: %w", err)
	}

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, fmt.Errorf("hash tarball: %w", err)
	}
	resourceID := hex.EncodeToString(h.Sum(nil))
	file := filepath.Base(path)

	if !m.lock(resourceID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, resourceID)
	}
	defer m.unlock(resourceID)

	exists, err := m.backend.Exists(ctx, recordKey(resourceID))
	if err != nil {
		return nil, fmt.Errorf("check dataset %s: %w", resourceID, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, resourceID)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind tarball: %w", err)
	}
	blobKey := resourceID + "/" + file
	if err := m.backend.Put(ctx, blobKey, f, info.Size()); err != nil {
		return nil, err
	}

	metadata, err := readMetadataLog(path)
	if err != nil {
		// Not fatal: the dataset is still usable without pre-populated metadata.
		m.logger.WarnContext(ctx, "unable to read tarball metadata", "file", file, "error", err)
	}

	rec := &record{
		Name:       Stem(file),
		ResourceID: resourceID,
		File:       file,
		Size:       info.Size(),
		CreatedAt:  m.now().UTC(),
		Metadata:   metadata,
	}
	if err := m.writeRecord(ctx, rec); err != nil {
		_ = m.backend.Delete(ctx, blobKey)
		return nil, err
	}

	_ = f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.WarnContext(ctx, "unable to remove staged tarball", "path", path, "error", err)
	}

	m.logger.InfoContext(ctx, "dataset created", "name", rec.Name, "resource_id", resourceID, "size", rec.Size)
	return m.tarball(rec), nil
}

func (m *Manager) Find(ctx context.Context, resourceID string) (*Tarball, error) {
	rec, err := m.readRecord(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return m.tarball(rec), nil
}

func (m *Manager) Delete(ctx context.Context, resourceID string) error {
	rec, err := m.readRecord(ctx, resourceID)
	if err != nil {
		return err
	}
	if err := m.backend.Delete(ctx, resourceID+"/"+rec.File); err != nil {
		return err
	}
	if err := m.backend.Delete(ctx, recordKey(resourceID)); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "dataset deleted", "name", rec.Name, "resource_id", resourceID)
	return nil
}

func (m *Manager) SetMetadata(ctx context.Context, resourceID string, metadata map[string]any) error {
	if !m.lock(resourceID) {
		return fmt.Errorf("dataset %s is busy", resourceID)
	}
	defer m.unlock(resourceID)

	rec, err := m.readRecord(ctx, resourceID)
	if err != nil {
		return err
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return m.writeRecord(ctx, rec)
}

func (m *Manager) tarball(rec *record) *Tarball {
	t := NewTarball(m, rec.Name, rec.ResourceID)
	t.File = rec.File
	t.Size = rec.Size
	t.CreatedAt = rec.CreatedAt
	t.Metadata = rec.Metadata
	return t
}

func (m *Manager) readRecord(ctx context.Context, resourceID string) (*record, error) {
	rc, err := m.backend.Get(ctx, recordKey(resourceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var rec record
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, fmt.Errorf("corrupt dataset record %s: %w", resourceID, err)
	}
	return &rec, nil
}

func (m *Manager) writeRecord(ctx context.Context, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset record: %w", err)
	}
	return m.backend.Put(ctx, recordKey(rec.ResourceID), bytes.NewReader(data), int64(len(data)))
}
