package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"europa/internal/logging"
)

type fakeSweeper struct {
	calls   atomic.Int32
	err     error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeSweeper) RunSweep(ctx context.Context, now time.Time) (*Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		f.once.Do(func() { close(f.started) })
		<-f.block
	}
	return &Result{}, f.err
}

func TestSchedulerRunsImmediatelyAndOnTick(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("ignored")}
	s := NewScheduler(sw, 20*time.Millisecond, "", logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, int(sw.calls.Load()), 2)
}

func TestSchedulerRejectsBadInterval(t *testing.T) {
	s := NewScheduler(&fakeSweeper{}, 0, "", logging.Discard())
	require.Error(t, s.Run(context.Background()))
}

func TestRunOnceSkipsWhenFileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.lock")
	other := flock.New(path)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	sw := &fakeSweeper{}
	s := NewScheduler(sw, time.Hour, path, logging.Discard())
	_, err = s.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)
	assert.Zero(t, sw.calls.Load())

	require.NoError(t, other.Unlock())
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), sw.calls.Load())
}

func TestRunOnceNoOverlap(t *testing.T) {
	sw := &fakeSweeper{block: make(chan struct{}), started: make(chan struct{})}
	s := NewScheduler(sw, time.Hour, filepath.Join(t.TempDir(), "sweep.lock"), logging.Discard())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-sw.started

	_, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)

	close(sw.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), sw.calls.Load())
}
