// Package history keeps the append-only log of calls placed by the front
// ends.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an unknown record ID.
var ErrNotFound = errors.New("call record not found")

// Record is one completed call attempt. Records are never updated or
// deleted; IDs are sequential starting at 1.
type Record struct {
	ID            int64
	Timestamp     time.Time
	Phone         string
	Prompt        string
	Duration      time.Duration
	Established   bool
	Transcript    string
	RecordingPath string
	PromptPath    string
	Error         string
}

// Repository stores call records.
type Repository interface {
	// Add assigns the next ID (and Timestamp, if zero) and appends rec.
	Add(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)
}
