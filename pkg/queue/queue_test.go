package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, zap.NewNop())
}

func TestEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueGenerateMarker(ctx, GenerateMarkerPayload{ARContentID: 42}))

	job, from, err := q.Dequeue(ctx, QueueMarkers)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, QueueMarkers, from)
	assert.Equal(t, JobGenerateMarker, job.Kind)
	assert.Equal(t, 0, job.Attempt)
	assert.NotEmpty(t, job.ID)

	var payload GenerateMarkerPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.EqualValues(t, 42, payload.ARContentID)
}

func TestQueueRouting(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueGenerateMarker(ctx, GenerateMarkerPayload{ARContentID: 1}))
	require.NoError(t, q.EnqueueSendNotification(ctx, SendNotificationPayload{CompanyID: 1, Kind: "expiry_warning"}))
	require.NoError(t, q.EnqueueCheckExpiringProjects(ctx, SweepPayload{ScheduledFor: time.Now()}))
	require.NoError(t, q.EnqueueDeactivateExpired(ctx, SweepPayload{ScheduledFor: time.Now()}))
	require.NoError(t, q.EnqueueRotateVideos(ctx, SweepPayload{ScheduledFor: time.Now()}))
	require.NoError(t, q.EnqueueRefreshTokens(ctx, TokenRefreshPayload{ConnectionID: 3}))

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths[QueueMarkers])
	assert.EqualValues(t, 1, depths[QueueNotifications])
	assert.EqualValues(t, 4, depths[QueueDefault])
	assert.EqualValues(t, 0, depths[QueueDLQ])
}

func TestDequeueAcrossQueues(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueSendNotification(ctx, SendNotificationPayload{CompanyID: 9, Kind: "expired"}))

	job, from, err := q.Dequeue(ctx, QueueMarkers, QueueNotifications)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, QueueNotifications, from)
	assert.Equal(t, JobSendNotification, job.Kind)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(1))
	assert.Equal(t, 20*time.Second, Backoff(2))
	assert.Equal(t, 40*time.Second, Backoff(3))
	assert.Equal(t, RetryBackoffMax, Backoff(10))
	assert.Equal(t, RetryBackoffMax, Backoff(64))
	assert.Equal(t, 10*time.Second, Backoff(0))
}

func TestRetryDelaysThenReleases(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job := &Job{ID: "j-1", Kind: JobGenerateMarker, Payload: json.RawMessage(`{"ar_content_id":7}`), Attempt: 0, EnqueuedAt: time.Now().UTC()}
	require.NoError(t, q.Retry(ctx, job))
	assert.Equal(t, 1, job.Attempt)

	// Backoff has not elapsed yet.
	released, err := q.ReleaseDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, released)
	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depths[QueueMarkers])

	// Past the first backoff window the job is back on its queue.
	released, err = q.ReleaseDue(ctx, time.Now().Add(Backoff(1)+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, from, err := q.Dequeue(ctx, QueueMarkers)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, QueueMarkers, from)
	assert.Equal(t, "j-1", got.ID)
	assert.Equal(t, 1, got.Attempt)
}

func TestRetryExhaustionMovesToDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job := &Job{ID: "j-dead", Kind: JobGenerateMarker, Payload: json.RawMessage(`{"ar_content_id":8}`), Attempt: MaxRetries - 1}
	require.NoError(t, q.Retry(ctx, job))
	assert.Equal(t, MaxRetries, job.Attempt)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths[QueueDLQ])

	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "j-dead", dead[0].ID)
	assert.Equal(t, MaxRetries, dead[0].Attempt)
}

func TestRequeueDead(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job := &Job{ID: "j-back", Kind: JobSendNotification, Payload: json.RawMessage(`{}`), Attempt: MaxRetries - 1}
	require.NoError(t, q.Retry(ctx, job))

	require.NoError(t, q.RequeueDead(ctx, "j-back"))

	got, from, err := q.Dequeue(ctx, QueueNotifications)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, QueueNotifications, from)
	assert.Equal(t, "j-back", got.ID)
	assert.Zero(t, got.Attempt)

	assert.ErrorIs(t, q.RequeueDead(ctx, "no-such-job"), ErrJobNotFound)
}

func TestQueueForRouting(t *testing.T) {
	assert.Equal(t, QueueMarkers, QueueFor(JobGenerateMarker))
	assert.Equal(t, QueueNotifications, QueueFor(JobSendNotification))
	assert.Equal(t, QueueDefault, QueueFor(JobCheckExpiringProjects))
	assert.Equal(t, QueueDefault, QueueFor(JobDeactivateExpired))
	assert.Equal(t, QueueDefault, QueueFor(JobRotateVideos))
	assert.Equal(t, QueueDefault, QueueFor(JobRefreshTokens))
}
