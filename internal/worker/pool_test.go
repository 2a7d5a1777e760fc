package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/pkg/queue"
)

func newTestPool(t *testing.T) (*Pool, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewQueue(client, zap.NewNop())
	p := NewPool(q, config.WorkerConfig{
		MarkerWorkers:       1,
		NotificationWorkers: 1,
		DefaultWorkers:      1,
		ShutdownGraceSec:    5,
	}, zap.NewNop())
	return p, q
}

func TestPoolProcessesJobs(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	got := make(chan queue.JobKind, 4)
	capture := func(ctx context.Context, job *queue.Job) error {
		got <- job.Kind
		return nil
	}
	p.Register(queue.JobGenerateMarker, capture)
	p.Register(queue.JobSendNotification, capture)

	require.NoError(t, q.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: 1}))
	require.NoError(t, q.EnqueueSendNotification(ctx, queue.SendNotificationPayload{CompanyID: 1, Kind: "expired"}))

	p.Start()
	defer p.Stop()

	seen := map[queue.JobKind]bool{}
	for len(seen) < 2 {
		select {
		case k := <-got:
			seen[k] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("jobs not processed, saw %v", seen)
		}
	}
}

func TestPoolRetriesUntilDead(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	var runs atomic.Int32
	ran := make(chan struct{}, 8)
	p.Register(queue.JobGenerateMarker, func(ctx context.Context, job *queue.Job) error {
		runs.Add(1)
		ran <- struct{}{}
		return errors.New("boom")
	})

	require.NoError(t, q.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: 9}))
	p.Start()
	defer p.Stop()

	for attempt := 1; attempt <= queue.MaxRetries; attempt++ {
		select {
		case <-ran:
		case <-time.After(3 * time.Second):
			t.Fatalf("attempt %d never ran", attempt)
		}
		if attempt < queue.MaxRetries {
			// Skip the backoff instead of waiting it out.
			require.Eventually(t, func() bool {
				n, err := q.ReleaseDue(ctx, time.Now().Add(time.Hour))
				return err == nil && n > 0
			}, 3*time.Second, 50*time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		dead, err := q.DeadJobs(ctx, 10)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.EqualValues(t, queue.MaxRetries, runs.Load())
}

func TestPoolDropsUnknownKind(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	done := make(chan struct{}, 1)
	p.Register(queue.JobDeactivateExpired, func(ctx context.Context, job *queue.Job) error {
		done <- struct{}{}
		return nil
	})

	// rotate_videos has no handler and rides the same queue ahead of the
	// deactivate job.
	require.NoError(t, q.EnqueueRotateVideos(ctx, queue.SweepPayload{}))
	require.NoError(t, q.EnqueueDeactivateExpired(ctx, queue.SweepPayload{}))

	p.Start()
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("deactivate job not processed")
	}
	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "unhandled kinds are dropped, not retried")
}

func TestPoolStopWaitsForInflight(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	p.Register(queue.JobGenerateMarker, func(ctx context.Context, job *queue.Job) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	require.NoError(t, q.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: 1}))
	p.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	p.Stop()
	assert.True(t, finished.Load(), "Stop waits for the in-flight job")
}

func TestPoolSurvivesPanic(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	done := make(chan struct{}, 1)
	first := true
	p.Register(queue.JobGenerateMarker, func(ctx context.Context, job *queue.Job) error {
		if first {
			first = false
			panic("bad job")
		}
		done <- struct{}{}
		return nil
	})

	require.NoError(t, q.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: 1}))
	require.NoError(t, q.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: 2}))

	p.Start()
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not survive the panic")
	}
}
