package dataset

import (
	"context"
	"fmt"
	"path/filepath"
)

// BackendType represents the type of dataset storage backend.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Type BackendType
	// DataDir is the base directory for the filesystem backend; datasets
	// live under DataDir/datasets.
	DataDir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// NewBackend creates the configured dataset backend.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if cfg.Type == "" {
		cfg.Type = BackendFS
	}

	switch cfg.Type {
	case BackendFS:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileBackend(filepath.Join(dataDir, "datasets"))
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("DATASET_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Backend(ctx, S3BackendConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		return newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported dataset storage type: %s", cfg.Type)
	}
}
