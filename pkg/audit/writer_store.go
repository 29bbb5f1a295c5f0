package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

// WriterStore emits every record as an "AUDIT: {json}" line and forwards it
// to an optional underlying store.
type WriterStore struct {
	mu     sync.Mutex
	writer io.Writer
	next   Store
}

// NewWriterStore writes to w (stdout when nil) and mirrors into next.
func NewWriterStore(w io.Writer, next Store) *WriterStore {
	if w == nil {
		w = os.Stdout
	}
	return &WriterStore{writer: w, next: next}
}

func (s *WriterStore) Append(ctx context.Context, r *Record) error {
	if s.next != nil {
		if err := s.next.Append(ctx, r); err != nil {
			return err
		}
	}

	bytes, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

func (s *WriterStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	if s.next == nil {
		return nil, errors.New("audit writer has no queryable store")
	}
	return s.next.Query(ctx, f)
}
