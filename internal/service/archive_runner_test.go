package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	tradeErr error
	trades   int64
	arbs     int64
}

func (f *fakeArchiver) ArchiveTradeLog(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	if f.tradeErr != nil {
		return 0, f.tradeErr
	}
	return f.trades, nil
}

func (f *fakeArchiver) ArchiveArbs(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arbs, nil
}

func (f *fakeArchiver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestArchiveRunOnceUsesRetentionCutoff(t *testing.T) {
	arch := &fakeArchiver{trades: 10, arbs: 2}
	runner := NewArchiveRunner(arch, time.Hour, 72*time.Hour, testLogger())

	require.NoError(t, runner.RunOnce(context.Background()))

	require.Len(t, arch.cutoffs, 1)
	want := time.Now().UTC().Add(-72 * time.Hour)
	assert.WithinDuration(t, want, arch.cutoffs[0], 5*time.Second)
}

func TestArchiveRunOnceStopsOnError(t *testing.T) {
	arch := &fakeArchiver{tradeErr: errors.New("bucket gone")}
	runner := NewArchiveRunner(arch, time.Hour, 72*time.Hour, testLogger())

	err := runner.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiveRunSweepsOnInterval(t *testing.T) {
	arch := &fakeArchiver{}
	runner := NewArchiveRunner(arch, 10*time.Millisecond, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventuallyf(t, func() bool {
		return arch.calls() >= 2
	}, time.Second, 5*time.Millisecond, "runner never ticked")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
