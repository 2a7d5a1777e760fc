package marker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/metrics"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/storage"
)

const markerContentType = "application/octet-stream"

// contentStore is the slice of the content repository the processor uses.
type contentStore interface {
	GetMarkerSource(ctx context.Context, id int64) (*content.MarkerSource, error)
	ClaimMarkerProcessing(ctx context.Context, id int64) (bool, error)
	UpdateMarkerResult(ctx context.Context, id int64, res content.MarkerResult) (bool, error)
}

// providerSource resolves storage providers by connection id.
type providerSource interface {
	Provider(ctx context.Context, id int64) (storage.Provider, error)
}

// notifier enqueues notification jobs.
type notifier interface {
	EnqueueSendNotification(ctx context.Context, payload queue.SendNotificationPayload) error
}

// fatalError marks failures no retry can cure: missing content, missing
// source image. The job is finished immediately and the failure recorded.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Processor executes marker-generation jobs: claim the row, download the
// source image, compile, upload the artifact, record the outcome.
type Processor struct {
	repo     contentStore
	registry providerSource
	queue    notifier
	compiler *Compiler
	scratch  string
	logger   *zap.Logger
}

// NewProcessor creates a marker processor.
func NewProcessor(repo contentStore, registry providerSource, q notifier, compiler *Compiler, cfg *config.Config, logger *zap.Logger) *Processor {
	scratch := cfg.Storage.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	return &Processor{
		repo:     repo,
		registry: registry,
		queue:    q,
		compiler: compiler,
		scratch:  scratch,
		logger:   logger,
	}
}

// Process runs one marker job. A nil return means the job is finished:
// compiled, dropped as a duplicate, or failed terminally with the failure
// recorded. A non-nil return means the attempt failed and the caller should
// schedule a retry.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.GenerateMarkerPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Error("malformed marker payload", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	err := p.run(ctx, payload.ARContentID, job.Attempt)
	if err == nil {
		return nil
	}
	if isFatal(err) {
		p.logger.Warn("marker job failed permanently",
			zap.Int64("ar_content_id", payload.ARContentID), zap.Error(err))
		p.fail(ctx, payload.ARContentID, err)
		metrics.MarkersCompiled.WithLabelValues("failed").Inc()
		return nil
	}
	if job.Attempt+1 >= queue.MaxRetries {
		// Last attempt: record the terminal state before the job moves to
		// the DLQ.
		p.fail(ctx, payload.ARContentID, err)
		metrics.MarkersCompiled.WithLabelValues("failed").Inc()
		return err
	}
	metrics.MarkersCompiled.WithLabelValues("retried").Inc()
	return err
}

func (p *Processor) run(ctx context.Context, id int64, attempt int) error {
	src, err := p.repo.GetMarkerSource(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fatal(fmt.Errorf("content %d not found", id))
		}
		return fmt.Errorf("load content: %w", err)
	}
	ac := &src.Content

	if attempt == 0 {
		if !models.MarkerRetriable(ac.MarkerStatus) {
			p.logger.Info("marker job dropped",
				zap.Int64("ar_content_id", id), zap.String("status", ac.MarkerStatus))
			return nil
		}
		claimed, err := p.repo.ClaimMarkerProcessing(ctx, id)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if !claimed {
			p.logger.Info("marker claim lost", zap.Int64("ar_content_id", id))
			return nil
		}
	} else if ac.MarkerStatus != models.MarkerStatusProcessing {
		// The row moved while this job waited out its backoff (admin reset,
		// duplicate run). The retry no longer owns the claim.
		p.logger.Info("marker retry dropped",
			zap.Int64("ar_content_id", id), zap.String("status", ac.MarkerStatus))
		return nil
	}

	if ac.ImagePath == "" {
		return fatal(errors.New("content has no source image"))
	}
	provider, err := p.registry.Provider(ctx, src.StorageConnectionID)
	if err != nil {
		return fmt.Errorf("storage provider: %w", err)
	}

	workDir, err := os.MkdirTemp(p.scratch, "marker-*")
	if err != nil {
		return fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	imgPath := filepath.Join(workDir, "source"+filepath.Ext(ac.ImagePath))
	if err := provider.Download(ctx, ac.ImagePath, imgPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fatal(fmt.Errorf("source image missing: %w", err))
		}
		return fmt.Errorf("download source: %w", err)
	}

	outPath := filepath.Join(workDir, fmt.Sprintf("%d.mind", id))
	res, err := p.compiler.Compile(ctx, imgPath, outPath)
	if err != nil {
		return err
	}

	key := storage.MarkerKey(src.StoragePath, id)
	url, err := provider.Upload(ctx, outPath, key, markerContentType)
	if err != nil {
		return fmt.Errorf("upload marker: %w", err)
	}

	applied, err := p.repo.UpdateMarkerResult(ctx, id, content.MarkerResult{
		Status:        models.MarkerStatusReady,
		MarkerPath:    key,
		MarkerURL:     url,
		FeaturePoints: res.FeaturePoints,
	})
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	if !applied {
		// The row left processing while we compiled. The artifact stays
		// uploaded; the next run overwrites the same key.
		p.logger.Warn("marker result discarded", zap.Int64("ar_content_id", id))
		return nil
	}

	metrics.MarkersCompiled.WithLabelValues("ready").Inc()
	fields := []zap.Field{
		zap.Int64("ar_content_id", id),
		zap.String("marker_path", key),
		zap.Duration("elapsed", res.Elapsed),
	}
	if res.FeaturePoints != nil {
		fields = append(fields, zap.Int("feature_points", *res.FeaturePoints))
	}
	p.logger.Info("marker compiled", fields...)
	return nil
}

// fail records the terminal failed state and raises the marker_failed
// notification. Both writes are best-effort: the job is finished either way.
func (p *Processor) fail(ctx context.Context, id int64, cause error) {
	src, err := p.repo.GetMarkerSource(ctx, id)
	if err != nil {
		p.logger.Warn("marker failure on missing content",
			zap.Int64("ar_content_id", id), zap.NamedError("cause", cause))
		return
	}
	if _, err := p.repo.UpdateMarkerResult(ctx, id, content.MarkerResult{
		Status: models.MarkerStatusFailed,
	}); err != nil {
		p.logger.Error("record marker failure failed",
			zap.Int64("ar_content_id", id), zap.Error(err))
	}

	notify := queue.SendNotificationPayload{
		CompanyID:   src.Content.CompanyID,
		ProjectID:   &src.Content.ProjectID,
		ARContentID: &src.Content.ID,
		Kind:        models.NotificationMarkerFailed,
		Subject:     "Marker generation failed",
		Message:     fmt.Sprintf("Marker generation for %q failed: %v", src.Content.Title, cause),
		Metadata:    map[string]string{"error": cause.Error()},
	}
	if err := p.queue.EnqueueSendNotification(ctx, notify); err != nil {
		p.logger.Error("enqueue marker_failed notification failed",
			zap.Int64("ar_content_id", id), zap.Error(err))
	}
}
