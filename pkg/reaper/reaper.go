// Package reaper terminates idle sandboxes on a cron schedule.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner evicts entries idle longer than maxAge and returns their ids.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) []string
}

type Recorder interface {
	Evicted(n int)
}

type Reaper struct {
	cron     *cron.Cron
	cleaner  Cleaner
	maxIdle  time.Duration
	recorder Recorder
	timeout  time.Duration
	ctx      context.Context
}

type Option func(*Reaper)

func WithRecorder(rec Recorder) Option {
	return func(r *Reaper) { r.recorder = rec }
}

// WithRunTimeout bounds a single cleanup pass.
func WithRunTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.timeout = d }
}

// New validates spec, a standard cron expression or descriptor such as
// "@every 5m".
func New(cleaner Cleaner, spec string, maxIdle time.Duration, opts ...Option) (*Reaper, error) {
	r := &Reaper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cleaner: cleaner,
		maxIdle: maxIdle,
		timeout: 2 * time.Minute,
		ctx:     context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start runs the schedule until ctx is done or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.ctx = ctx
	r.cron.Start()
	slog.Info("idle sandbox cleanup scheduled", "max_idle", r.maxIdle)
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reaper) run() {
	r.RunOnce(r.ctx)
}

// RunOnce performs a single cleanup pass.
func (r *Reaper) RunOnce(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	evicted := r.cleaner.Cleanup(ctx, r.maxIdle)
	if len(evicted) > 0 {
		slog.Info("evicted idle sandboxes", "count", len(evicted), "sandbox_ids", evicted)
	}
	if r.recorder != nil {
		r.recorder.Evicted(len(evicted))
	}
	return evicted
}
