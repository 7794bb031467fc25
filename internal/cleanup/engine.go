// Package cleanup removes expired transfers and the storage they hold.
//
// A sweep deletes the backing object of every transfer past its expiration
// date, drops the metadata rows in one transaction, then reconciles the
// permanent container against the metadata store and purges staged chunks
// left behind by abandoned uploads. Each sweep is audited as a CleanupRun.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"europa/internal/blob"
	"europa/internal/logging"
	"europa/internal/store"
)

// PartialDetail is recorded on runs stopped by cancellation.
const PartialDetail = "cancelled: partial sweep"

// Invalidator drops cached state derived from a transfer being deleted.
type Invalidator interface {
	Invalidate(t store.Transfer)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(t store.Transfer)

func (f InvalidatorFunc) Invalidate(t store.Transfer) { f(t) }

type Config struct {
	FilesContainer   string
	StagingContainer string

	BatchSize  int
	FlushEvery int
	Retry      RetryPolicy

	// StagingMaxAge is how old a staged chunk must be before it is purged.
	// Zero disables the purge.
	StagingMaxAge time.Duration
	// OrphanGrace protects objects written recently, whose transfer row may
	// still be on its way.
	OrphanGrace time.Duration
}

// Result summarises one sweep.
type Result struct {
	Run            store.CleanupRun
	Expired        int
	OrphansDeleted int
	StagedPurged   int
	// Partial is set when cancellation stopped the sweep between batches.
	Partial bool
}

// Engine runs sweeps. It does not schedule them; see Scheduler.
type Engine struct {
	store        store.Store
	blobs        blob.Store
	cfg          Config
	invalidators []Invalidator
	log          *slog.Logger
	now          func() time.Time
}

func NewEngine(st store.Store, blobs blob.Store, cfg Config, log *slog.Logger, invalidators ...Invalidator) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 10
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Engine{
		store:        st,
		blobs:        blobs,
		cfg:          cfg,
		invalidators: invalidators,
		log:          logging.OrDefault(log).With("component", "cleanup"),
		now:          time.Now,
	}
}

// RunSweep removes everything that expired before now. Cancelling ctx stops
// the sweep at the next batch boundary; the work done so far is committed
// and the run is reported as partial rather than failed.
//
// The returned Result is non-nil whenever a CleanupRun was recorded, also
// when err is non-nil.
func (e *Engine) RunSweep(ctx context.Context, now time.Time) (*Result, error) {
	// The audit row lives outside the sweep transaction so it survives a
	// rollback, and it must be written even when ctx is already cancelled.
	db := context.WithoutCancel(ctx)

	run := &store.CleanupRun{StartTime: now.UTC(), Status: store.RunStarted}
	if err := e.store.CreateCleanupRun(db, run); err != nil {
		return nil, fmt.Errorf("cleanup: record run: %w", err)
	}
	e.log.InfoContext(ctx, "sweep_started", "run_id", run.ID, "now", now)

	res := &Result{}
	err := e.sweep(ctx, now, run, res)

	end := e.now().UTC()
	run.EndTime = &end
	switch {
	case err != nil:
		run.Status = store.RunFailed
		run.ErrorDetails = err.Error()
	case res.Partial:
		run.Status = store.RunCompleted
		run.ErrorDetails = PartialDetail
	default:
		run.Status = store.RunCompleted
	}
	if uerr := e.store.UpdateCleanupRun(db, run); uerr != nil {
		e.log.ErrorContext(ctx, "run_update_failed", "run_id", run.ID, "error", uerr)
		err = errors.Join(err, fmt.Errorf("cleanup: update run %d: %w", run.ID, uerr))
	}
	res.Run = *run

	attrs := []any{
		"run_id", run.ID,
		"status", run.Status,
		"expired", res.Expired,
		"processed", run.FilesProcessed,
		"deleted", run.FilesDeleted,
		"errors", run.ErrorCount,
		"freed", humanize.Bytes(uint64(max(run.BytesFreed, 0))),
		"orphans", res.OrphansDeleted,
		"staged_purged", res.StagedPurged,
		"partial", res.Partial,
		"duration", run.Duration(),
	}
	if err != nil {
		e.log.ErrorContext(ctx, "sweep_failed", append(attrs, "error", err)...)
		return res, err
	}
	e.log.InfoContext(ctx, "sweep_complete", attrs...)
	return res, nil
}

// LastRun returns the most recent CleanupRun.
func (e *Engine) LastRun(ctx context.Context) (*store.CleanupRun, error) {
	return e.store.LastCleanupRun(ctx)
}

func (e *Engine) sweep(ctx context.Context, now time.Time, run *store.CleanupRun, res *Result) error {
	// Work inside a batch is not interrupted; ctx is only consulted between
	// batches.
	db := context.WithoutCancel(ctx)

	tx, err := e.store.BeginSweep(db)
	if err != nil {
		return fmt.Errorf("cleanup: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(); rerr != nil {
				e.log.WarnContext(ctx, "sweep_rollback_failed", "error", rerr)
			}
		}
	}()

	res.Expired, err = tx.CountExpired(db, now)
	if err != nil {
		return fmt.Errorf("cleanup: count expired: %w", err)
	}

	flush := func() error {
		n, err := tx.Flush(db)
		if err != nil {
			return fmt.Errorf("cleanup: flush deletes: %w", err)
		}
		run.FilesDeleted += n
		return nil
	}

	var cursor store.Cursor
	for batch := 0; ; batch++ {
		if ctx.Err() != nil {
			res.Partial = true
			e.log.WarnContext(ctx, "sweep_cancelled", "batches", batch, "processed", run.FilesProcessed)
			break
		}

		page, err := tx.ExpiredPage(db, now, cursor, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("cleanup: load batch %d: %w", batch, err)
		}
		if len(page) == 0 {
			break
		}

		for _, t := range page {
			run.FilesProcessed++
			size, ok := e.expire(db, t)
			if !ok {
				run.ErrorCount++
				continue
			}
			tx.StageDelete(t)
			run.BytesFreed += size
			if tx.Pending() >= e.cfg.FlushEvery {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}
		e.log.DebugContext(ctx, "batch_complete", "batch", batch, "size", len(page), "deleted", run.FilesDeleted)

		cursor = store.After(page[len(page)-1])
		if len(page) < e.cfg.BatchSize {
			break
		}
	}

	if !res.Partial {
		if res.OrphansDeleted, err = e.reconcile(db, tx, now); err != nil {
			return err
		}
		res.StagedPurged = e.purgeStaging(db, now)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cleanup: commit: %w", err)
	}
	committed = true
	return nil
}

// expire deletes the object behind t and drops cached state. It reports the
// object size (zero when unknown) and whether the delete succeeded.
func (e *Engine) expire(ctx context.Context, t store.Transfer) (int64, bool) {
	var size int64
	info, err := e.blobs.Stat(ctx, e.cfg.FilesContainer, t.FileID)
	switch {
	case err == nil:
		size = info.Size
	case !blob.IsNotFound(err):
		e.log.DebugContext(ctx, "object_size_unknown", "file_id", t.FileID, "error", err)
	}

	err = e.cfg.Retry.Do(ctx, func() error {
		return e.blobs.Delete(ctx, e.cfg.FilesContainer, t.FileID)
	})
	if err != nil {
		e.log.WarnContext(ctx, "object_delete_failed", "file_id", t.FileID, "transfer_id", t.ID, "error", err)
		return 0, false
	}

	for _, inv := range e.invalidators {
		inv.Invalidate(t)
	}
	e.log.DebugContext(ctx, "transfer_expired",
		"file_id", t.FileID,
		"short_url", t.ShortURL,
		"expired_at", t.ExpirationDate,
		"size", humanize.Bytes(uint64(size)))
	return size, true
}

// reconcile deletes objects in the permanent container that have no
// transfer. Delete and listing failures are logged and left for the next
// sweep.
func (e *Engine) reconcile(ctx context.Context, tx store.SweepTx, now time.Time) (int, error) {
	deleted := 0
	for info, err := range e.blobs.List(ctx, e.cfg.FilesContainer, "") {
		if err != nil {
			e.log.WarnContext(ctx, "orphan_scan_failed", "error", err)
			break
		}
		if e.cfg.OrphanGrace > 0 && info.LastModified.After(now.Add(-e.cfg.OrphanGrace)) {
			continue
		}
		exists, err := tx.TransferExists(ctx, info.Key)
		if err != nil {
			return deleted, fmt.Errorf("cleanup: orphan lookup %s: %w", info.Key, err)
		}
		if exists {
			continue
		}
		if err := e.blobs.Delete(ctx, e.cfg.FilesContainer, info.Key); err != nil {
			e.log.WarnContext(ctx, "orphan_delete_failed", "key", info.Key, "error", err)
			continue
		}
		deleted++
		e.log.InfoContext(ctx, "orphan_deleted", "key", info.Key, "size", humanize.Bytes(uint64(info.Size)))
	}
	return deleted, nil
}

// purgeStaging deletes staged chunks older than StagingMaxAge. Their
// sessions have long expired, so nothing can finalize them.
func (e *Engine) purgeStaging(ctx context.Context, now time.Time) int {
	if e.cfg.StagingMaxAge <= 0 || e.cfg.StagingContainer == "" {
		return 0
	}
	cutoff := now.Add(-e.cfg.StagingMaxAge)
	purged := 0
	for info, err := range e.blobs.List(ctx, e.cfg.StagingContainer, "") {
		if err != nil {
			if !errors.Is(err, blob.ErrContainerNotFound) {
				e.log.WarnContext(ctx, "staging_scan_failed", "error", err)
			}
			break
		}
		if !info.LastModified.Before(cutoff) {
			continue
		}
		if err := e.blobs.Delete(ctx, e.cfg.StagingContainer, info.Key); err != nil {
			e.log.WarnContext(ctx, "staged_chunk_delete_failed", "key", info.Key, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		e.log.InfoContext(ctx, "staging_purged", "chunks", purged, "older_than", e.cfg.StagingMaxAge)
	}
	return purged
}
