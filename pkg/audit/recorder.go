package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Entry describes the operation a BEGIN record opens.
type Entry struct {
	Name       string
	Operation  Operation
	ObjectType ObjectType
	ObjectID   *string
	ObjectName string
	Actor      Actor
	Attributes map[string]any
}

// Recorder writes linked BEGIN and terminal records. Records reach the
// store in ID order.
type Recorder struct {
	store Store
	seq   Sequence
	now   func() time.Time

	// mu spans drawing an ID and appending it.
	mu sync.Mutex
}

func NewRecorder(store Store, seq Sequence) *Recorder {
	return &Recorder{store: store, seq: seq, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Store returns the store records are appended to.
func (r *Recorder) Store() Store {
	return r.store
}

// Begin appends a BEGIN record for e and returns it.
func (r *Recorder) Begin(ctx context.Context, e Entry) (*Record, error) {
	if e.Name == "" {
		return nil, errors.New("audit entry has no name")
	}
	rec := &Record{
		Name:       e.Name,
		Operation:  e.Operation,
		Status:     StatusBegin,
		ObjectType: e.ObjectType,
		ObjectID:   e.ObjectID,
		ObjectName: e.ObjectName,
		UserID:     e.Actor.ID,
		UserName:   e.Actor.Name,
		Attributes: nonNil(e.Attributes),
	}
	if err := r.append(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Finish appends the terminal record for begin. status must be SUCCESS or
// FAILURE.
func (r *Recorder) Finish(ctx context.Context, begin *Record, status Status, reason *Reason, attrs map[string]any) (*Record, error) {
	if begin == nil || begin.Status != StatusBegin {
		return nil, errors.New("audit finish requires a BEGIN record")
	}
	if status != StatusSuccess && status != StatusFailure {
		return nil, fmt.Errorf("invalid terminal audit status %q", status)
	}
	root := begin.ID
	rec := &Record{
		RootID:     &root,
		Name:       begin.Name,
		Operation:  begin.Operation,
		Status:     status,
		ObjectType: begin.ObjectType,
		ObjectID:   begin.ObjectID,
		ObjectName: begin.ObjectName,
		UserID:     begin.UserID,
		UserName:   begin.UserName,
		Reason:     reason,
		Attributes: nonNil(attrs),
	}
	if err := r.append(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Recorder) append(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.seq.Next(ctx)
	if err != nil {
		return fmt.Errorf("audit sequence: %w", err)
	}
	rec.ID = id
	rec.Timestamp = r.now().UTC()
	if err := r.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("append %s audit record: %w", rec.Status, err)
	}
	return nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
