package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSleep struct {
	calls []time.Duration
}

func (f *fakeSleep) sleep(_ context.Context, d time.Duration) error {
	f.calls = append(f.calls, d)
	return nil
}

func failingUntil(n int) (Probe, *int) {
	calls := 0
	return ProbeFunc(func(context.Context) error {
		calls++
		if calls < n {
			return errors.New("not yet")
		}
		return nil
	}), &calls
}

func TestPollerPoll(t *testing.T) {
	tests := []struct {
		name        string
		attempts    int
		readyOn     int
		wantAttempt int
		wantSleeps  int
		wantErr     bool
	}{
		{name: "ready immediately", attempts: 5, readyOn: 1, wantAttempt: 1, wantSleeps: 0},
		{name: "ready on third", attempts: 5, readyOn: 3, wantAttempt: 3, wantSleeps: 2},
		{name: "ready on last", attempts: 4, readyOn: 4, wantAttempt: 4, wantSleeps: 3},
		{name: "never ready", attempts: 3, readyOn: 10, wantAttempt: 3, wantSleeps: 2, wantErr: true},
		{name: "zero attempts still probes once", attempts: 0, readyOn: 1, wantAttempt: 1, wantSleeps: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSleep{}
			probe, calls := failingUntil(tt.readyOn)
			p := Poller{Attempts: tt.attempts, Interval: 500 * time.Millisecond, Sleep: fs.sleep}

			attempt, err := p.Poll(context.Background(), probe)
			assert.Equal(t, tt.wantAttempt, attempt)
			assert.Len(t, fs.calls, tt.wantSleeps)
			for _, d := range fs.calls {
				assert.Equal(t, 500*time.Millisecond, d)
			}
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrExhausted)
				assert.Contains(t, err.Error(), "not yet")
				assert.Equal(t, tt.attempts, *calls)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPollerStop(t *testing.T) {
	fs := &fakeSleep{}
	boom := errors.New("build failed")
	calls := 0
	probe := ProbeFunc(func(context.Context) error {
		calls++
		if calls == 2 {
			return Stop(boom)
		}
		return errors.New("pending")
	})

	attempt, err := Poller{Attempts: 10, Sleep: fs.sleep}.Poll(context.Background(), probe)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, attempt)
	assert.Len(t, fs.calls, 1)
}

func TestPollerContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := ProbeFunc(func(context.Context) error {
		cancel()
		return errors.New("pending")
	})

	_, err := Poller{Attempts: 10, Interval: time.Hour}.Poll(ctx, probe)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStopNil(t *testing.T) {
	assert.NoError(t, Stop(nil))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
