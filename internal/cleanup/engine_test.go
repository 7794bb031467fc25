package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"europa/internal/blob"
	"europa/internal/logging"
	"europa/internal/store"
)

const (
	filesContainer   = "encryptedfiles"
	stagingContainer = "tempuploads"
)

var sweepNow = time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC)

type harness struct {
	store *store.Memory
	blobs *blob.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: store.NewMemory(), blobs: blob.NewMemory()}
	ctx := context.Background()
	require.NoError(t, h.blobs.EnsureContainer(ctx, filesContainer))
	require.NoError(t, h.blobs.EnsureContainer(ctx, stagingContainer))
	// Objects default to being written well before the sweep.
	h.blobs.SetClock(func() time.Time { return sweepNow.Add(-48 * time.Hour) })
	return h
}

func (h *harness) engine(cfg Config, inv ...Invalidator) *Engine {
	cfg.FilesContainer = filesContainer
	cfg.StagingContainer = stagingContainer
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = NoWait(3)
	}
	return NewEngine(h.store, h.blobs, cfg, logging.Discard(), inv...)
}

// addTransfer stores a transfer expiring at exp and its object.
func (h *harness) addTransfer(t *testing.T, id string, exp time.Time, size int) store.Transfer {
	t.Helper()
	ctx := context.Background()
	tr := &store.Transfer{
		FileID:         id,
		FileName:       id + ".bin",
		CreatedAt:      exp.Add(-24 * time.Hour),
		ExpirationDate: exp,
		ShortURL:       "s-" + id,
	}
	require.NoError(t, h.store.CreateTransfer(ctx, tr))
	data := strings.Repeat("x", size)
	require.NoError(t, h.blobs.Put(ctx, filesContainer, id, strings.NewReader(data), int64(size), blob.Metadata{ExpirationDate: exp}))
	return *tr
}

func TestSweepRemovesExpiredTransfers(t *testing.T) {
	h := newHarness(t)
	expired := h.addTransfer(t, "old", sweepNow.Add(-time.Hour), 10)
	live := h.addTransfer(t, "new", sweepNow.Add(time.Hour), 10)

	var mu sync.Mutex
	var invalidated []string
	rec := InvalidatorFunc(func(tr store.Transfer) {
		mu.Lock()
		defer mu.Unlock()
		invalidated = append(invalidated, tr.FileID)
	})

	res, err := h.engine(Config{}, rec).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Run.FilesProcessed)
	assert.Equal(t, 1, res.Run.FilesDeleted)
	assert.Equal(t, int64(10), res.Run.BytesFreed)
	assert.Equal(t, store.RunCompleted, res.Run.Status)
	assert.Empty(t, res.Run.ErrorDetails)
	assert.False(t, res.Partial)
	assert.Equal(t, []string{"old"}, invalidated)

	_, err = h.store.TransferByFileID(context.Background(), expired.FileID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.TransferByFileID(context.Background(), live.FileID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, h.blobs.Keys(filesContainer))
	assert.Equal(t, 1, h.store.MappingCount())
}

func TestSweepBatchesWithOneFailingDelete(t *testing.T) {
	h := newHarness(t)
	for i := range 250 {
		h.addTransfer(t, fmt.Sprintf("f%03d", i), sweepNow.Add(-time.Duration(i+1)*time.Minute), 1)
	}

	var mu sync.Mutex
	attempts := 0
	h.blobs.SetFault(func(op blob.Op, container, key string) error {
		if op == blob.OpDelete && key == "f123" {
			mu.Lock()
			attempts++
			mu.Unlock()
			return blob.Transient(errors.New("503 slow down"))
		}
		return nil
	})

	res, err := h.engine(Config{BatchSize: 100, FlushEvery: 10}).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts, "failing delete is retried up to the attempt cap")
	assert.Equal(t, 250, res.Expired)
	assert.Equal(t, 250, res.Run.FilesProcessed)
	assert.Equal(t, 249, res.Run.FilesDeleted)
	assert.Equal(t, 1, res.Run.ErrorCount)
	assert.Equal(t, store.RunCompleted, res.Run.Status)

	left := h.store.Transfers()
	require.Len(t, left, 1)
	assert.Equal(t, "f123", left[0].FileID)
	assert.Equal(t, []string{"f123"}, h.blobs.Keys(filesContainer))

	runs := h.store.CleanupRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].ErrorCount)
	assert.NotNil(t, runs[0].EndTime)
}

func TestSweepNonTransientDeleteNotRetried(t *testing.T) {
	h := newHarness(t)
	h.addTransfer(t, "old", sweepNow.Add(-time.Hour), 1)

	attempts := 0
	h.blobs.SetFault(func(op blob.Op, container, key string) error {
		if op == blob.OpDelete {
			attempts++
			return errors.New("access denied")
		}
		return nil
	})

	res, err := h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, res.Run.ErrorCount)
	assert.Zero(t, res.Run.FilesDeleted)
}

func TestSweepSizeLookupIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.addTransfer(t, "old", sweepNow.Add(-time.Hour), 10)
	h.blobs.SetFault(func(op blob.Op, container, key string) error {
		if op == blob.OpStat {
			return errors.New("stat broken")
		}
		return nil
	})

	res, err := h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Run.FilesDeleted)
	assert.Zero(t, res.Run.BytesFreed)
}

func TestSweepMissingObjectStillRemovesTransfer(t *testing.T) {
	h := newHarness(t)
	h.addTransfer(t, "old", sweepNow.Add(-time.Hour), 10)
	require.NoError(t, h.blobs.Delete(context.Background(), filesContainer, "old"))

	res, err := h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Run.FilesDeleted)
	assert.Empty(t, h.store.Transfers())
}

func TestSweepDeletesOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addTransfer(t, "live", sweepNow.Add(time.Hour), 1)
	require.NoError(t, h.blobs.Put(ctx, filesContainer, "orphan", strings.NewReader("o"), 1, blob.Metadata{}))

	// Written moments ago: its transfer row may not be committed yet.
	h.blobs.SetClock(func() time.Time { return sweepNow.Add(-time.Minute) })
	require.NoError(t, h.blobs.Put(ctx, filesContainer, "fresh", strings.NewReader("f"), 1, blob.Metadata{}))

	res, err := h.engine(Config{OrphanGrace: time.Hour}).RunSweep(ctx, sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphansDeleted)
	assert.Zero(t, res.Run.FilesDeleted, "orphans are not counted as expired transfers")
	assert.Equal(t, []string{"fresh", "live"}, h.blobs.Keys(filesContainer))
}

func TestSweepOrphanDeleteFailureIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.blobs.Put(ctx, filesContainer, "orphan", strings.NewReader("o"), 1, blob.Metadata{}))
	h.blobs.SetFault(func(op blob.Op, container, key string) error {
		if op == blob.OpDelete && key == "orphan" {
			return errors.New("denied")
		}
		return nil
	})

	res, err := h.engine(Config{}).RunSweep(ctx, sweepNow)
	require.NoError(t, err)
	assert.Zero(t, res.OrphansDeleted)
	assert.Equal(t, store.RunCompleted, res.Run.Status)
	assert.Equal(t, []string{"orphan"}, h.blobs.Keys(filesContainer))
}

func TestSweepPurgesStaleStagedChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.blobs.Put(ctx, stagingContainer, "abandoned/0", strings.NewReader("a"), 1, blob.Metadata{}))

	h.blobs.SetClock(func() time.Time { return sweepNow.Add(-5 * time.Minute) })
	require.NoError(t, h.blobs.Put(ctx, stagingContainer, "active/0", strings.NewReader("b"), 1, blob.Metadata{}))

	res, err := h.engine(Config{StagingMaxAge: time.Hour}).RunSweep(ctx, sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StagedPurged)
	assert.Equal(t, []string{"active/0"}, h.blobs.Keys(stagingContainer))
}

func TestSweepCancelledBetweenBatches(t *testing.T) {
	h := newHarness(t)
	for i := range 30 {
		h.addTransfer(t, fmt.Sprintf("f%02d", i), sweepNow.Add(-time.Duration(i+1)*time.Minute), 1)
	}
	require.NoError(t, h.blobs.Put(context.Background(), filesContainer, "orphan", strings.NewReader("o"), 1, blob.Metadata{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	// Cancel midway through the first batch; the batch still completes.
	stop := InvalidatorFunc(func(store.Transfer) {
		seen++
		if seen == 5 {
			cancel()
		}
	})

	res, err := h.engine(Config{BatchSize: 10, FlushEvery: 3}, stop).RunSweep(ctx, sweepNow)
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.Equal(t, 10, res.Run.FilesProcessed)
	assert.Equal(t, 10, res.Run.FilesDeleted)
	assert.Equal(t, store.RunCompleted, res.Run.Status)
	assert.Equal(t, PartialDetail, res.Run.ErrorDetails)
	assert.Len(t, h.store.Transfers(), 20)
	assert.Contains(t, h.blobs.Keys(filesContainer), "orphan", "orphan pass is skipped after cancellation")

	last, err := h.store.LastCleanupRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PartialDetail, last.ErrorDetails)
}

func TestSweepFlushFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	for i := range 5 {
		h.addTransfer(t, fmt.Sprintf("f%d", i), sweepNow.Add(-time.Duration(i+1)*time.Minute), 1)
	}
	h.store.SetFault(func(op string) error {
		if op == "Flush" {
			return errors.New("connection reset")
		}
		return nil
	})

	res, err := h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NotNil(t, res)
	assert.Equal(t, store.RunFailed, res.Run.Status)
	assert.Contains(t, res.Run.ErrorDetails, "connection reset")

	h.store.SetFault(nil)
	assert.Len(t, h.store.Transfers(), 5, "rolled back sweep leaves metadata untouched")

	runs := h.store.CleanupRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailed, runs[0].Status)

	// The next sweep converges: deleting an already-missing object succeeds.
	res, err = h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Run.FilesDeleted)
	assert.Empty(t, h.store.Transfers())
}

func TestSweepRecordRunFailure(t *testing.T) {
	h := newHarness(t)
	h.store.SetFault(func(op string) error {
		if op == "CreateCleanupRun" {
			return errors.New("read only")
		}
		return nil
	})
	res, err := h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestSweepNothingToDo(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine(Config{}).RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Equal(t, store.RunCompleted, res.Run.Status)
}

func TestLastRun(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{})

	_, err := e.LastRun(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.RunSweep(context.Background(), sweepNow)
	require.NoError(t, err)
	_, err = e.RunSweep(context.Background(), sweepNow.Add(time.Hour))
	require.NoError(t, err)

	last, err := e.LastRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.ID)
	assert.Equal(t, sweepNow.Add(time.Hour), last.StartTime)
}
