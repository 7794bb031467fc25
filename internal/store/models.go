package store

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Transfer is a finalized, downloadable upload.
type Transfer struct {
	ID             uuid.UUID `db:"id" json:"id"`
	FileID         string    `db:"file_id" json:"fileId"`
	FileName       string    `db:"file_name" json:"fileName"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	ExpirationDate time.Time `db:"expiration_date" json:"expirationDate"`
	ShortURL       string    `db:"short_url" json:"shortUrl"`
}

// Expired reports whether the transfer's retention ended before now.
func (t *Transfer) Expired(now time.Time) bool {
	return t.ExpirationDate.Before(now)
}

// URLMapping is the short-link index row kept next to each Transfer.
type URLMapping struct {
	ID             uuid.UUID `db:"id"`
	FileIdentifier string    `db:"file_identifier"`
	ShortURL       string    `db:"short_url"`
	CreatedAt      time.Time `db:"created_at"`
}

// RunStatus is the lifecycle state of a CleanupRun.
type RunStatus string

const (
	RunStarted   RunStatus = "Started"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
)

// CleanupRun is the audit record of one sweep.
type CleanupRun struct {
	ID             int64      `db:"id" json:"id"`
	StartTime      time.Time  `db:"start_time" json:"startTime"`
	EndTime        *time.Time `db:"end_time" json:"endTime,omitempty"`
	FilesProcessed int        `db:"files_processed" json:"filesProcessed"`
	FilesDeleted   int        `db:"files_deleted" json:"filesDeleted"`
	ErrorCount     int        `db:"error_count" json:"errorCount"`
	BytesFreed     int64      `db:"bytes_freed" json:"bytesFreed"`
	Status         RunStatus  `db:"status" json:"status"`
	ErrorDetails   string     `db:"error_details" json:"errorDetails,omitempty"`
}

// Duration returns how long the run took, or zero while it is still running.
func (r *CleanupRun) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Cursor is a keyset position in the expiration-ordered transfer list. The
// zero Cursor is before the first row.
type Cursor struct {
	ExpirationDate time.Time
	ID             uuid.UUID
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool {
	return c.ExpirationDate.IsZero() && c.ID == uuid.Nil
}

// After returns the cursor positioned at t.
func After(t Transfer) Cursor {
	return Cursor{ExpirationDate: t.ExpirationDate, ID: t.ID}
}

// less orders transfers the same way the sweep query does.
func less(a, b Cursor) bool {
	if !a.ExpirationDate.Equal(b.ExpirationDate) {
		return a.ExpirationDate.Before(b.ExpirationDate)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
