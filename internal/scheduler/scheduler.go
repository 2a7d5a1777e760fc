// Package scheduler dispatches the periodic sweeps: the daily expiry
// warning, the per-minute expiry deactivation, and the video rotation sweep.
// It only enqueues jobs; the worker pool executes them, so a slow sweep never
// delays the next tick and overlapping runs stay safe.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/pkg/queue"
)

// dispatcher is the slice of the queue the scheduler produces onto.
type dispatcher interface {
	EnqueueCheckExpiringProjects(ctx context.Context, payload queue.SweepPayload) error
	EnqueueDeactivateExpired(ctx context.Context, payload queue.SweepPayload) error
	EnqueueRotateVideos(ctx context.Context, payload queue.SweepPayload) error
}

// Scheduler owns the tick loops. Call Start to launch them and Stop to drain.
type Scheduler struct {
	queue  dispatcher
	cfg    config.SchedulerConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Non-positive cadences fall back to the defaults.
func New(q dispatcher, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.DeactivationIntervalSec <= 0 {
		cfg.DeactivationIntervalSec = 60
	}
	if cfg.RotationIntervalSec <= 0 {
		cfg.RotationIntervalSec = 300
	}
	return &Scheduler{
		queue:  q,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the tick loops. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(3)
	go s.loop(ctx, "check_expiring_projects", s.nextWarning, s.queue.EnqueueCheckExpiringProjects)
	go s.loop(ctx, "deactivate_expired", s.nextDeactivation, s.queue.EnqueueDeactivateExpired)
	go s.loop(ctx, "rotate_videos", s.nextRotation, s.queue.EnqueueRotateVideos)

	s.logger.Info("scheduler started",
		zap.Int("warning_hour_utc", s.cfg.ExpiryWarningHourUTC),
		zap.Duration("deactivation_interval", s.cfg.DeactivationInterval()),
		zap.Duration("rotation_interval", s.cfg.RotationInterval()))
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// loop sleeps until the next fire instant, dispatches, and repeats. Each
// iteration recomputes the boundary from the wall clock, so ticks stay
// aligned even when dispatch or the runtime lags.
func (s *Scheduler) loop(ctx context.Context, name string, next func(time.Time) time.Time, dispatch func(context.Context, queue.SweepPayload) error) {
	defer s.wg.Done()
	for {
		now := s.now()
		fireAt := next(now)
		timer := time.NewTimer(fireAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := dispatch(ctx, queue.SweepPayload{ScheduledFor: fireAt}); err != nil {
			s.logger.Error("sweep dispatch failed", zap.String("sweep", name), zap.Error(err))
			continue
		}
		s.logger.Debug("sweep dispatched", zap.String("sweep", name), zap.Time("scheduled_for", fireAt))
	}
}

func (s *Scheduler) nextWarning(now time.Time) time.Time {
	return nextDaily(now, s.cfg.ExpiryWarningHourUTC)
}

func (s *Scheduler) nextDeactivation(now time.Time) time.Time {
	return nextBoundary(now, s.cfg.DeactivationInterval())
}

func (s *Scheduler) nextRotation(now time.Time) time.Time {
	return nextBoundary(now, s.cfg.RotationInterval())
}

// nextBoundary returns the first multiple of interval strictly after now, so
// a one-minute cadence fires on the minute.
func nextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// nextDaily returns the next hour:00 UTC strictly after now.
func nextDaily(now time.Time, hour int) time.Time {
	now = now.UTC()
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
