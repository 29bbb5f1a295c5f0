//go:build gcp

package dataset

import (
	"context"
	"fmt"
)

func newGCSBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("DATASET_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSBackend(ctx, GCSBackendConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
