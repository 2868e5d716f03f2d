package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serpco/storefront/internal/backfill"
	"github.com/serpco/storefront/internal/clock"
	"github.com/serpco/storefront/internal/config"
	"go.uber.org/zap"
)

type countingBackfill struct {
	calls atomic.Int64
	opts  backfill.Options
}

func (c *countingBackfill) Run(ctx context.Context, opts backfill.Options) (backfill.Counters, error) {
	c.calls.Add(1)
	c.opts = opts
	return backfill.Counters{}, nil
}

func newScheduler(bf backfill.Service, intervalMinutes int) *Scheduler {
	cfg := config.Config{}
	cfg.Backfill.IntervalMinutes = intervalMinutes
	return New(Params{
		Backfill: bf,
		Clock:    clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Config:   cfg,
		Log:      zap.NewNop(),
	})
}

func TestRunOnceAlwaysAlerts(t *testing.T) {
	bf := &countingBackfill{}
	s := newScheduler(bf, 60)

	s.RunOnce(context.Background())

	if got := bf.calls.Load(); got != 1 {
		t.Fatalf("calls = %d", got)
	}
	if !bf.opts.Alert {
		t.Fatal("scheduled runs must alert")
	}
	if bf.opts.DryRun {
		t.Fatal("scheduled runs must not be dry")
	}
}

func TestIntervalDefaultsWhenUnset(t *testing.T) {
	s := newScheduler(&countingBackfill{}, 0)
	if s.interval != defaultInterval {
		t.Fatalf("interval = %v", s.interval)
	}

	s = newScheduler(&countingBackfill{}, 15)
	if s.interval != 15*time.Minute {
		t.Fatalf("interval = %v", s.interval)
	}
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	bf := &countingBackfill{}
	s := newScheduler(bf, 60)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunForever(ctx)
		close(done)
	}()

	// The initial pass runs before the ticker starts.
	deadline := time.After(2 * time.Second)
	for bf.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("initial pass never ran")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
