// Package store persists flushed usage batches to BoltDB.
//
// The store is the durable sink behind the ingestion buffer: each
// session gets its own nested bucket of events keyed by a big-endian
// insertion sequence, so reads come back in arrival order. A separate
// totals bucket keeps the running token total per session, updated in
// the same transaction as the batch write.
package store

import (
	"context"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/ingest"
)

// Store persists usage events and running totals per session.
//
// WriteBatch makes Store satisfy the ingest.Sink interface.
type Store interface {
	// WriteBatch appends a batch of events for a session atomically,
	// updating the session's running total in the same transaction.
	WriteBatch(ctx context.Context, sessionID string, events []ingest.Event) error

	// Events returns all persisted events for a session in arrival
	// order. Unknown sessions return an empty slice.
	Events(sessionID string) ([]ingest.Event, error)

	// TotalTokens returns the persisted running total for a session.
	TotalTokens(sessionID string) (int64, error)

	// SessionIDs returns every session id with persisted events.
	SessionIDs() ([]string, error)

	// Close releases the underlying database.
	Close() error
}

// Config contains store configuration.
type Config struct {
	// DBPath is the BoltDB file path. Supports ~ expansion.
	DBPath string

	// Timeout for acquiring the database file lock.
	// Default: 1 second.
	Timeout time.Duration
}
