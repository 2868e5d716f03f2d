// Package scheduler drives the periodic entitlement backfill from the
// scheduler app. One pass per interval, alerts enabled.
package scheduler

import (
	"context"
	"time"

	"github.com/serpco/storefront/internal/backfill"
	"github.com/serpco/storefront/internal/clock"
	"github.com/serpco/storefront/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultInterval = time.Hour

type Params struct {
	fx.In

	Backfill backfill.Service
	Clock    clock.Clock
	Config   config.Config
	Log      *zap.Logger
}

type Scheduler struct {
	backfill backfill.Service
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger
}

func New(p Params) *Scheduler {
	interval := time.Duration(p.Config.Backfill.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		backfill: p.Backfill,
		clock:    p.Clock,
		interval: interval,
		log:      p.Log.Named("scheduler"),
	}
}

// RunForever runs one pass immediately, then one per interval until the
// context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	start := s.clock.Now()
	counters, err := s.backfill.Run(ctx, backfill.Options{Alert: true})
	if err != nil {
		s.log.Error("scheduled backfill failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled backfill finished",
		zap.Int("scanned", counters.Scanned),
		zap.Int("succeeded", counters.Succeeded),
		zap.Int("failed", counters.Failed),
		zap.Duration("took", s.clock.Now().Sub(start)))
}
