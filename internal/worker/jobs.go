package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/connections"
	"github.com/portalmark/backend/internal/marker"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/internal/notifications"
	"github.com/portalmark/backend/internal/projects"
	"github.com/portalmark/backend/internal/rotation"
	"github.com/portalmark/backend/pkg/queue"
)

// Jobs wires the application services into pool handlers, one per job kind.
type Jobs struct {
	Marker    *marker.Processor
	Projects  *projects.Repository
	Rotation  *rotation.Repository
	Notes     *notifications.Repository
	Refresher *connections.Refresher
	Scheduler config.SchedulerConfig
	Logger    *zap.Logger
}

// RegisterAll binds every job kind the platform produces.
func (j *Jobs) RegisterAll(p *Pool) {
	p.Register(queue.JobGenerateMarker, j.GenerateMarker)
	p.Register(queue.JobSendNotification, j.SendNotification)
	p.Register(queue.JobCheckExpiringProjects, j.CheckExpiringProjects)
	p.Register(queue.JobDeactivateExpired, j.DeactivateExpired)
	p.Register(queue.JobRotateVideos, j.RotateVideos)
	p.Register(queue.JobRefreshTokens, j.RefreshTokens)
}

// sweepTime reads the tick the sweep was scheduled for. A delayed sweep keeps
// its original reference time so results match what the tick would have seen.
func sweepTime(job *queue.Job) time.Time {
	var p queue.SweepPayload
	if err := json.Unmarshal(job.Payload, &p); err == nil && !p.ScheduledFor.IsZero() {
		return p.ScheduledFor.UTC()
	}
	return time.Now().UTC()
}

// GenerateMarker compiles one marker image.
func (j *Jobs) GenerateMarker(ctx context.Context, job *queue.Job) error {
	return j.Marker.Process(ctx, job)
}

// SendNotification appends the notification row.
func (j *Jobs) SendNotification(ctx context.Context, job *queue.Job) error {
	var p queue.SendNotificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		j.Logger.Error("malformed notification payload", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	n := &models.Notification{
		CompanyID:   p.CompanyID,
		ProjectID:   p.ProjectID,
		ARContentID: p.ARContentID,
		Kind:        p.Kind,
		Subject:     p.Subject,
		Message:     p.Message,
		Metadata:    p.Metadata,
	}
	if err := j.Notes.Create(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// CheckExpiringProjects warns on projects expiring within the window. The
// per-project cooldown claim makes a retried sweep idempotent.
func (j *Jobs) CheckExpiringProjects(ctx context.Context, job *queue.Job) error {
	now := sweepTime(job)
	window := time.Duration(j.Scheduler.ExpiryWarningWindowDays) * 24 * time.Hour
	list, err := j.Projects.ListExpiring(ctx, now, window)
	if err != nil {
		return fmt.Errorf("list expiring: %w", err)
	}

	var warned int
	var firstErr error
	for i := range list {
		ok, err := j.Projects.WarnExpiring(ctx, &list[i], now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			j.Logger.Error("expiry warning failed",
				zap.Int64("project_id", list[i].ID), zap.Error(err))
			continue
		}
		if ok {
			warned++
		}
	}
	j.Logger.Info("expiry warning sweep done",
		zap.Int("candidates", len(list)),
		zap.Int("warned", warned),
		zap.Time("scheduled_for", now))
	return firstErr
}

// DeactivateExpired expires every project past its deadline, cascading
// is_active=false to its content.
func (j *Jobs) DeactivateExpired(ctx context.Context, job *queue.Job) error {
	now := sweepTime(job)
	ids, err := j.Projects.ListExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired: %w", err)
	}

	var expired int
	var firstErr error
	for _, id := range ids {
		if _, err := j.Projects.Expire(ctx, id, now); err != nil {
			if errors.Is(err, projects.ErrNotActive) {
				// Raced with a manual expire.
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			j.Logger.Error("expire project failed", zap.Int64("project_id", id), zap.Error(err))
			continue
		}
		expired++
	}
	if len(ids) > 0 {
		j.Logger.Info("expiry sweep done",
			zap.Int("candidates", len(ids)),
			zap.Int("expired", expired),
			zap.Time("scheduled_for", now))
	}
	return firstErr
}

// RotateVideos executes every due rotation schedule.
func (j *Jobs) RotateVideos(ctx context.Context, job *queue.Job) error {
	now := sweepTime(job)
	ids, err := j.Rotation.DueScheduleIDs(ctx, now, 0)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	counts := make(map[rotation.Outcome]int)
	var firstErr error
	for _, id := range ids {
		out, err := j.Rotation.ExecuteDue(ctx, id, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			j.Logger.Error("rotation failed", zap.Int64("schedule_id", id), zap.Error(err))
			continue
		}
		if out == rotation.OutcomeEmpty {
			j.Logger.Warn("rotation schedule disabled: no usable videos in sequence",
				zap.Int64("schedule_id", id))
		}
		counts[out]++
	}
	if len(ids) > 0 {
		j.Logger.Info("rotation sweep done",
			zap.Int("due", len(ids)),
			zap.Int("rotated", counts[rotation.OutcomeRotated]),
			zap.Int("held", counts[rotation.OutcomeHeld]),
			zap.Int("empty", counts[rotation.OutcomeEmpty]),
			zap.Time("scheduled_for", now))
	}
	return firstErr
}

// RefreshTokens refreshes one connection's OAuth tokens outside the periodic
// window check.
func (j *Jobs) RefreshTokens(ctx context.Context, job *queue.Job) error {
	var p queue.TokenRefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		j.Logger.Error("malformed refresh payload", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	if err := j.Refresher.RefreshOne(ctx, p.ConnectionID); err != nil {
		return fmt.Errorf("refresh connection %d: %w", p.ConnectionID, err)
	}
	return nil
}
