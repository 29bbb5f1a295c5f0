//go:build !gcp

package dataset

import (
	"context"
	"fmt"
)

func newGCSBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
