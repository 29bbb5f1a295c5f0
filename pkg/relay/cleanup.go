package relay

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RemovedNote is the single note reported when every relay file was deleted.
const RemovedNote = "Relay files were successfully removed."

// Remover deletes relay resources once their content is safely stored.
type Remover interface {
	// Remove attempts every URI and returns human readable notes. It never
	// fails the caller.
	Remove(ctx context.Context, uris ...string) []string
}

// Cleaner issues DELETE requests against relay URIs.
type Cleaner struct {
	fetcher *Fetcher
}

func NewCleaner(f *Fetcher) *Cleaner {
	return &Cleaner{fetcher: f}
}

// Remove deletes all URIs concurrently and waits for every attempt. Notes
// keep the order of uris.
func (c *Cleaner) Remove(ctx context.Context, uris ...string) []string {
	failures := make([]string, len(uris))

	var g errgroup.Group
	for i, uri := range uris {
		g.Go(func() error {
			if err := c.fetcher.Delete(ctx, uri); err != nil {
				failures[i] = fmt.Sprintf("Unable to remove relay file %s: '%s'", uri, deleteReason(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	notes := make([]string, 0, len(uris))
	for _, f := range failures {
		if f != "" {
			notes = append(notes, f)
		}
	}
	if len(notes) == 0 {
		notes = append(notes, RemovedNote)
	}
	return notes
}

func deleteReason(err error) string {
	var ferr *FetchError
	if errors.As(err, &ferr) {
		return ferr.Reason
	}
	return causeText(err)
}
