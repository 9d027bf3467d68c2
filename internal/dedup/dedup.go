// Package dedup records which mailbox messages have already produced a
// notification so that restarts and repeated polls never deliver twice.
package dedup

import (
	"context"
	"fmt"
)

// Tracker is the durable set of delivered message ids.
type Tracker interface {
	// IsDelivered reports whether id has been recorded.
	IsDelivered(ctx context.Context, id string) (bool, error)

	// RecordDelivered persists id. Recording an id twice is a no-op.
	RecordDelivered(ctx context.Context, id string) error

	// Reset forgets every recorded id.
	Reset(ctx context.Context) error

	// Count returns the number of recorded ids.
	Count(ctx context.Context) (int, error)

	// Created reports whether the backing store did not exist before it
	// was opened. Callers use it to detect a first run.
	Created() bool

	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the tracker for backend, rooted at path.
func Open(backend, path string) (Tracker, error) {
	switch backend {
	case "", BackendFile:
		return NewFileTracker(path)
	case BackendSQLite:
		return NewSQLiteTracker(path)
	default:
		return nil, fmt.Errorf("unknown tracker backend %q", backend)
	}
}
