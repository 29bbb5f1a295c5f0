// Package audit records the lifecycle of server operations as immutable,
// linked records: a BEGIN record followed by one SUCCESS or FAILURE record
// whose root ID points back at it.
package audit

import (
	"context"
	"time"
)

// Operation is the kind of change being audited.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Status is the lifecycle stage a record captures.
type Status string

const (
	StatusBegin   Status = "BEGIN"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ObjectType is the kind of object an operation touches.
type ObjectType string

const ObjectDataset ObjectType = "DATASET"

// Reason qualifies a failure.
type Reason string

const ReasonConsistency Reason = "CONSISTENCY"

// Ptr returns a pointer to a copy of r.
func (r Reason) Ptr() *Reason {
	return &r
}

// Actor identifies who requested the operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Record is one immutable audit log entry.
type Record struct {
	ID         int64          `json:"id"`
	RootID     *int64         `json:"root_id"`
	Name       string         `json:"name"`
	Operation  Operation      `json:"operation"`
	Status     Status         `json:"status"`
	ObjectType ObjectType     `json:"object_type"`
	ObjectID   *string        `json:"object_id"`
	ObjectName string         `json:"object_name"`
	UserID     string         `json:"user_id"`
	UserName   string         `json:"user_name"`
	Reason     *Reason        `json:"reason"`
	Attributes map[string]any `json:"attributes"`
	Timestamp  time.Time      `json:"timestamp"`
}

// clone copies r deeply enough that a store can't be changed through the
// caller's pointers.
func (r *Record) clone() *Record {
	c := *r
	if r.RootID != nil {
		v := *r.RootID
		c.RootID = &v
	}
	if r.ObjectID != nil {
		v := *r.ObjectID
		c.ObjectID = &v
	}
	if r.Reason != nil {
		v := *r.Reason
		c.Reason = &v
	}
	if r.Attributes != nil {
		c.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Filter selects records from a store. Zero fields match everything.
type Filter struct {
	RootID     int64
	Status     Status
	ObjectID   string
	MaxResults int
}

func (f Filter) matches(r *Record) bool {
	if f.RootID != 0 && (r.RootID == nil || *r.RootID != f.RootID) && r.ID != f.RootID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ObjectID != "" && (r.ObjectID == nil || *r.ObjectID != f.ObjectID) {
		return false
	}
	return true
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, r *Record) error
	// Query returns matching records in ID order.
	Query(ctx context.Context, f Filter) ([]*Record, error)
}
