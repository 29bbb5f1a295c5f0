// Package dataset is the content-addressed catalog that owns ingested
// benchmark tarballs.
package dataset

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("dataset not found")
	ErrDuplicate = errors.New("dataset already exists")
)

// Store defines the contract between intake and the dataset catalog.
type Store interface {
	// Create takes ownership of the tarball at path and registers it. The
	// resource ID is derived from the file content. Registering content
	// the store already holds returns ErrDuplicate.
	Create(ctx context.Context, path string) (*Tarball, error)
	// Find returns the dataset with the given resource ID or ErrNotFound.
	Find(ctx context.Context, resourceID string) (*Tarball, error)
	// Delete removes a dataset and its metadata.
	Delete(ctx context.Context, resourceID string) error
	// SetMetadata merges top-level metadata keys into the dataset record.
	SetMetadata(ctx context.Context, resourceID string, metadata map[string]any) error
}

// Tarball is a registered dataset archive.
type Tarball struct {
	Name       string
	ResourceID string
	File       string
	Size       int64
	CreatedAt  time.Time
	// Metadata is pre-populated from the archive when it carries any.
	Metadata map[string]any

	store Store
}

// NewTarball binds a tarball description to the store that owns it.
func NewTarball(s Store, name, resourceID string) *Tarball {
	return &Tarball{Name: name, ResourceID: resourceID, store: s}
}

// Delete removes the tarball from its store.
func (t *Tarball) Delete(ctx context.Context) error {
	if t.store == nil {
		return errors.New("tarball is not bound to a store")
	}
	return t.store.Delete(ctx, t.ResourceID)
}

var tarballSuffixes = []string{".tar.xz", ".tar.gz", ".tar.zst", ".tgz", ".tar"}

// Stem returns the dataset name for a tarball file: the base name without
// its archive suffix.
func Stem(path string) string {
	base := filepath.Base(path)
	for _, suffix := range tarballSuffixes {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return base
}
