// Package store persists transfer metadata, short-link index rows and the
// cleanup audit log. The Postgres implementation is used in production; the
// in-memory one backs tests and single-process development.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateToken = errors.New("store: short url already in use")
	ErrDuplicateFile  = errors.New("store: file id already registered")
	// ErrTransient wraps failures a retry may get past, such as a dropped
	// connection or a deadlock victim.
	ErrTransient = errors.New("store: transient failure")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is the metadata store boundary.
type Store interface {
	// CreateTransfer inserts t and its URL mapping atomically. A zero ID or
	// CreatedAt is filled in.
	CreateTransfer(ctx context.Context, t *Transfer) error
	TransferByShortURL(ctx context.Context, token string) (*Transfer, error)
	TransferByFileID(ctx context.Context, fileID string) (*Transfer, error)
	// TokenExists reports whether a live transfer uses token.
	TokenExists(ctx context.Context, token string) (bool, error)

	// CreateCleanupRun inserts run and sets its ID.
	CreateCleanupRun(ctx context.Context, run *CleanupRun) error
	UpdateCleanupRun(ctx context.Context, run *CleanupRun) error
	// LastCleanupRun returns the most recently started run.
	LastCleanupRun(ctx context.Context) (*CleanupRun, error)

	// BeginSweep opens the transaction one expiration sweep runs in.
	BeginSweep(ctx context.Context) (SweepTx, error)

	Ping(ctx context.Context) error
}

// SweepTx is the transactional view used by the expiration sweep. Deletes
// are staged in memory and written by Flush; nothing is durable before
// Commit.
type SweepTx interface {
	CountExpired(ctx context.Context, now time.Time) (int, error)
	// ExpiredPage returns up to limit transfers with expiration before now,
	// ordered by (expiration date, id), strictly after cursor.
	ExpiredPage(ctx context.Context, now time.Time, after Cursor, limit int) ([]Transfer, error)
	// StageDelete queues removal of t and its URL mapping.
	StageDelete(t Transfer)
	// Pending returns the number of staged, unflushed deletes.
	Pending() int
	// Flush writes staged deletes inside the transaction and returns how many
	// transfers were removed.
	Flush(ctx context.Context) (int, error)
	// TransferExists reports whether fileID still has a transfer, as seen
	// by this transaction.
	TransferExists(ctx context.Context, fileID string) (bool, error)
	Commit() error
	Rollback() error
}
