// Package storage defines the persistence boundary for decoded telemetry.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotConfigured is returned by a nil or closed store.
var ErrNotConfigured = errors.New("storage is not configured")

// Message is one decoded value to persist.
type Message struct {
	ID    uint16
	Name  string
	Time  time.Time
	Value json.RawMessage
}

// Record is a stored message. Seq increases with every insert and lets
// live readers ask for everything stored after a point.
type Record struct {
	Seq   int64
	ID    uint16
	Name  string
	Time  time.Time
	Value json.RawMessage
}

// Interval is a named recording session. End is nil while it is open.
type Interval struct {
	ID    int64
	Name  string
	Start time.Time
	End   *time.Time
}

// Store persists messages and recording intervals.
type Store interface {
	// Insert writes one message. It returns once the write is durable.
	Insert(ctx context.Context, msg Message) error

	// Query returns the records of id/name inside the given bounds, oldest
	// first. A nil bound is open. With both bounds nil the result is empty.
	Query(ctx context.Context, id uint16, name string, lower, upper *time.Time) ([]Record, error)

	// Latest returns the newest record of id/name not older than
	// notBefore, or nil.
	Latest(ctx context.Context, id uint16, name string, notBefore time.Time) (*Record, error)

	// Since returns records of id stored after seq, oldest first. An empty
	// name matches every message of id.
	Since(ctx context.Context, id uint16, name string, seq int64) ([]Record, error)

	// LastSeq returns the sequence number of the newest record, or 0.
	LastSeq(ctx context.Context) (int64, error)

	OpenInterval(ctx context.Context, name string, start time.Time) (int64, error)
	CloseInterval(ctx context.Context, id int64, end time.Time) error
	Intervals(ctx context.Context) ([]Interval, error)

	Close() error
}
