package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueMarkers is the Redis list key for marker-generation jobs.
	QueueMarkers = "worker:markers"
	// QueueNotifications is the Redis list key for notification delivery jobs.
	QueueNotifications = "worker:notifications"
	// QueueDefault is the Redis list key for scheduled maintenance jobs.
	QueueDefault = "worker:default"
	// QueueDLQ is the dead-letter queue for jobs that exhausted retries.
	QueueDLQ = "worker:dlq"
	// delayedKey is the sorted set holding jobs waiting out their backoff;
	// scores are ready-at unix seconds.
	delayedKey = "worker:delayed"

	// MaxRetries is the number of attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoffBase is the first retry delay; each further attempt doubles
	// it up to RetryBackoffMax.
	RetryBackoffBase = 10 * time.Second
	RetryBackoffMax  = 10 * time.Minute
)

// ErrJobNotFound is returned when a DLQ job id does not match any entry.
var ErrJobNotFound = errors.New("queue: job not found")

// JobKind identifies what a job does. It selects the queue the job rides on.
type JobKind string

const (
	JobGenerateMarker        JobKind = "generate_marker"
	JobCheckExpiringProjects JobKind = "check_expiring_projects"
	JobDeactivateExpired     JobKind = "deactivate_expired"
	JobRotateVideos          JobKind = "rotate_videos"
	JobRefreshTokens         JobKind = "refresh_tokens"
	JobSendNotification      JobKind = "send_notification"
)

// QueueFor maps a job kind to the queue it is produced onto.
func QueueFor(kind JobKind) string {
	switch kind {
	case JobGenerateMarker:
		return QueueMarkers
	case JobSendNotification:
		return QueueNotifications
	default:
		return QueueDefault
	}
}

// GenerateMarkerPayload is the payload for marker-generation jobs.
type GenerateMarkerPayload struct {
	ARContentID int64 `json:"ar_content_id"`
}

// SendNotificationPayload is the payload for notification delivery jobs.
type SendNotificationPayload struct {
	CompanyID   int64             `json:"company_id"`
	ProjectID   *int64            `json:"project_id,omitempty"`
	ARContentID *int64            `json:"ar_content_id,omitempty"`
	Kind        string            `json:"kind"`
	Subject     string            `json:"subject"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SweepPayload is the payload for scheduler-dispatched sweeps: expiry
// warnings, expiry deactivation, and video rotation.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// TokenRefreshPayload is the payload for credential refresh jobs.
type TokenRefreshPayload struct {
	ConnectionID int64 `json:"connection_id"`
}

// Job is the envelope every queued task rides in. Attempt counts live here,
// not on database rows.
type Job struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"job_kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue enqueues and dequeues jobs via Redis lists, with a sorted set for
// jobs waiting out a retry backoff.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) push(ctx context.Context, kind JobKind, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    body,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	queueName := QueueFor(kind)
	if err := q.client.RPush(ctx, queueName, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_kind", string(kind)),
		zap.String("queue", queueName))
	return nil
}

// EnqueueGenerateMarker enqueues a marker compilation job for one content row.
func (q *Queue) EnqueueGenerateMarker(ctx context.Context, payload GenerateMarkerPayload) error {
	return q.push(ctx, JobGenerateMarker, payload)
}

// EnqueueSendNotification enqueues a notification delivery job.
func (q *Queue) EnqueueSendNotification(ctx context.Context, payload SendNotificationPayload) error {
	return q.push(ctx, JobSendNotification, payload)
}

// EnqueueCheckExpiringProjects enqueues the daily expiry warning sweep.
func (q *Queue) EnqueueCheckExpiringProjects(ctx context.Context, payload SweepPayload) error {
	return q.push(ctx, JobCheckExpiringProjects, payload)
}

// EnqueueDeactivateExpired enqueues the expired-project deactivation sweep.
func (q *Queue) EnqueueDeactivateExpired(ctx context.Context, payload SweepPayload) error {
	return q.push(ctx, JobDeactivateExpired, payload)
}

// EnqueueRotateVideos enqueues the due-rotation sweep.
func (q *Queue) EnqueueRotateVideos(ctx context.Context, payload SweepPayload) error {
	return q.push(ctx, JobRotateVideos, payload)
}

// EnqueueRefreshTokens enqueues a credential refresh for one connection.
func (q *Queue) EnqueueRefreshTokens(ctx context.Context, payload TokenRefreshPayload) error {
	return q.push(ctx, JobRefreshTokens, payload)
}

// Dequeue blocks until a job is available on one of the given queues or ctx
// is done. Returns the job and the queue it came from.
func (q *Queue) Dequeue(ctx context.Context, queues ...string) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, 0, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Backoff returns the delay before the given attempt is retried.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := RetryBackoffBase << (attempt - 1)
	if d > RetryBackoffMax || d <= 0 {
		return RetryBackoffMax
	}
	return d
}

// Retry schedules the job for another attempt after its backoff delay. Once
// MaxRetries is reached the job moves to the DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ",
			zap.String("job_id", job.ID),
			zap.String("job_kind", string(job.Kind)),
			zap.Int("attempt", job.Attempt))
		return nil
	}
	delay := Backoff(job.Attempt)
	readyAt := time.Now().Add(delay)
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: raw,
	}).Err(); err != nil {
		return fmt.Errorf("zadd delayed: %w", err)
	}
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay))
	return nil
}

// ReleaseDue moves jobs whose backoff has elapsed from the delayed set back
// onto their queues. Returns how many were released.
func (q *Queue) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}
	released := 0
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.client.ZRem(ctx, delayedKey, raw)
			q.logger.Warn("dropping invalid delayed job", zap.Error(err))
			continue
		}
		removed, err := q.client.ZRem(ctx, delayedKey, raw).Result()
		if err != nil {
			return released, err
		}
		if removed == 0 {
			// Another releaser claimed it.
			continue
		}
		if err := q.client.RPush(ctx, QueueFor(job.Kind), raw).Err(); err != nil {
			return released, fmt.Errorf("rpush released: %w", err)
		}
		released++
	}
	return released, nil
}

// DeadJobs returns up to limit jobs from the DLQ, oldest first.
func (q *Queue) DeadJobs(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, QueueDLQ, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead moves one DLQ job back onto its queue with a reset attempt
// count.
func (q *Queue) RequeueDead(ctx context.Context, jobID string) error {
	raws, err := q.client.LRange(ctx, QueueDLQ, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}
		if err := q.client.LRem(ctx, QueueDLQ, 1, raw).Err(); err != nil {
			return err
		}
		job.Attempt = 0
		fresh, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return q.client.RPush(ctx, QueueFor(job.Kind), fresh).Err()
	}
	return ErrJobNotFound
}

// Depth reports the length of every queue, for health and metrics.
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, 4)
	for _, name := range []string{QueueMarkers, QueueNotifications, QueueDefault, QueueDLQ} {
		n, err := q.client.LLen(ctx, name).Result()
		if err != nil {
			return nil, err
		}
		depths[name] = n
	}
	return depths, nil
}
