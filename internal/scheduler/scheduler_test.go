package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/pkg/queue"
)

type captureQueue struct {
	mu  sync.Mutex
	got map[string][]time.Time
	ch  chan string
}

func newCaptureQueue() *captureQueue {
	return &captureQueue{got: map[string][]time.Time{}, ch: make(chan string, 64)}
}

func (c *captureQueue) record(name string, p queue.SweepPayload) error {
	c.mu.Lock()
	c.got[name] = append(c.got[name], p.ScheduledFor)
	c.mu.Unlock()
	c.ch <- name
	return nil
}

func (c *captureQueue) EnqueueCheckExpiringProjects(ctx context.Context, p queue.SweepPayload) error {
	return c.record("warn", p)
}

func (c *captureQueue) EnqueueDeactivateExpired(ctx context.Context, p queue.SweepPayload) error {
	return c.record("deactivate", p)
}

func (c *captureQueue) EnqueueRotateVideos(ctx context.Context, p queue.SweepPayload) error {
	return c.record("rotate", p)
}

func (c *captureQueue) times(name string) []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.got[name]...)
}

func TestNextBoundary(t *testing.T) {
	at := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 1, 0, 0, time.UTC), nextBoundary(at, time.Minute))
	assert.Equal(t, time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC), nextBoundary(at, 5*time.Minute))

	// Exactly on a boundary moves to the next one.
	exact := time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 6, 0, 0, time.UTC), nextBoundary(exact, time.Minute))
	assert.Equal(t, time.Date(2025, 6, 2, 10, 10, 0, 0, time.UTC), nextBoundary(exact, 5*time.Minute))
}

func TestNextDaily(t *testing.T) {
	before := time.Date(2025, 6, 2, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), nextDaily(before, 9))

	after := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC), nextDaily(after, 9))

	exact := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC), nextDaily(exact, 9))

	// Month rollover.
	eom := time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC), nextDaily(eom, 9))
}

func TestSchedulerDispatchesSweeps(t *testing.T) {
	q := newCaptureQueue()
	s := New(q, config.SchedulerConfig{
		ExpiryWarningHourUTC:    9,
		DeactivationIntervalSec: 1,
		RotationIntervalSec:     1,
	}, zap.NewNop())

	s.Start()
	defer s.Stop()

	seen := map[string]int{}
	deadline := time.After(5 * time.Second)
	for seen["deactivate"] == 0 || seen["rotate"] == 0 {
		select {
		case name := <-q.ch:
			seen[name]++
		case <-deadline:
			t.Fatalf("sweeps not dispatched in time: %v", seen)
		}
	}

	for _, at := range q.times("deactivate") {
		assert.Zero(t, at.Nanosecond(), "sweeps fire on tick boundaries")
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	q := newCaptureQueue()
	s := New(q, config.SchedulerConfig{
		DeactivationIntervalSec: 3600,
		RotationIntervalSec:     3600,
	}, zap.NewNop())

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
	assert.Empty(t, q.times("deactivate"))
}
