package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	mu     sync.Mutex
	calls  int
	maxAge time.Duration
	evict  []string
}

func (f *fakeCleaner) Cleanup(_ context.Context, maxAge time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.maxAge = maxAge
	return f.evict
}

func (f *fakeCleaner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countRecorder struct {
	mu    sync.Mutex
	total int
}

func (c *countRecorder) Evicted(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += n
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeCleaner{}, "every five minutes", time.Hour)
	require.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	cleaner := &fakeCleaner{evict: []string{"sbx-1", "sbx-2"}}
	rec := &countRecorder{}
	r, err := New(cleaner, "@every 5m", time.Hour, WithRecorder(rec))
	require.NoError(t, err)

	got := r.RunOnce(context.Background())
	assert.Equal(t, []string{"sbx-1", "sbx-2"}, got)
	assert.Equal(t, time.Hour, cleaner.maxAge)
	assert.Equal(t, 2, rec.total)
}

func TestScheduleFires(t *testing.T) {
	cleaner := &fakeCleaner{}
	r, err := New(cleaner, "@every 1s", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	require.Eventually(t, func() bool { return cleaner.Calls() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	r.Stop()

	calls := cleaner.Calls()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, calls, cleaner.Calls(), "no passes after stop")
}
