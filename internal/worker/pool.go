// Package worker consumes the job queues: a fixed set of blocking consumers
// per queue, kind-based dispatch, retry with backoff via the queue's delayed
// set, and a bounded graceful shutdown.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/pkg/metrics"
	"github.com/portalmark/backend/pkg/queue"
)

const (
	releaseInterval   = 5 * time.Second
	depthInterval     = 15 * time.Second
	dequeueRetryDelay = time.Second
	retryWriteTimeout = 5 * time.Second
)

// HandlerFunc executes one job. A non-nil error schedules a retry with
// backoff; after MaxRetries the job moves to the DLQ.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Pool consumes the job queues and dispatches to registered handlers.
type Pool struct {
	queue    *queue.Queue
	cfg      config.WorkerConfig
	logger   *zap.Logger
	handlers map[queue.JobKind]HandlerFunc

	mu          sync.Mutex
	stopConsume context.CancelFunc
	stopJobs    context.CancelFunc
	group       *errgroup.Group
}

// NewPool creates a worker pool. Non-positive counts fall back to defaults.
func NewPool(q *queue.Queue, cfg config.WorkerConfig, logger *zap.Logger) *Pool {
	if cfg.MarkerWorkers <= 0 {
		cfg.MarkerWorkers = 2
	}
	if cfg.NotificationWorkers <= 0 {
		cfg.NotificationWorkers = 1
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = 2
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[queue.JobKind]HandlerFunc),
	}
}

// Register binds a handler to a job kind. Register before Start; jobs whose
// kind has no handler are dropped.
func (p *Pool) Register(kind queue.JobKind, fn HandlerFunc) {
	p.handlers[kind] = fn
}

// Start launches the consumers and maintenance loops. Calling it twice is a
// no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.stopConsume != nil {
		p.mu.Unlock()
		return
	}
	// Consumers stop as soon as shutdown begins; in-flight jobs keep their
	// own context until the grace period elapses.
	consumeCtx, stopConsume := context.WithCancel(context.Background())
	jobCtx, stopJobs := context.WithCancel(context.Background())
	p.stopConsume = stopConsume
	p.stopJobs = stopJobs
	g := &errgroup.Group{}
	p.group = g
	p.mu.Unlock()

	consumers := []struct {
		queue string
		count int
	}{
		{queue.QueueMarkers, p.cfg.MarkerWorkers},
		{queue.QueueNotifications, p.cfg.NotificationWorkers},
		{queue.QueueDefault, p.cfg.DefaultWorkers},
	}
	for _, c := range consumers {
		for i := 0; i < c.count; i++ {
			name := c.queue
			g.Go(func() error {
				p.consume(consumeCtx, jobCtx, name)
				return nil
			})
		}
	}
	g.Go(func() error {
		p.releaseLoop(consumeCtx)
		return nil
	})
	g.Go(func() error {
		p.depthLoop(consumeCtx)
		return nil
	})

	p.logger.Info("worker pool started",
		zap.Int("marker_workers", p.cfg.MarkerWorkers),
		zap.Int("notification_workers", p.cfg.NotificationWorkers),
		zap.Int("default_workers", p.cfg.DefaultWorkers))
}

// Stop halts consumption, waits up to the grace period for in-flight jobs,
// then cancels whatever is left.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopConsume == nil {
		p.mu.Unlock()
		return
	}
	stopConsume := p.stopConsume
	stopJobs := p.stopJobs
	g := p.group
	p.stopConsume = nil
	p.stopJobs = nil
	p.mu.Unlock()

	stopConsume()
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		stopJobs()
		p.logger.Info("worker pool drained")
		return
	case <-time.After(p.cfg.ShutdownGrace()):
		p.logger.Warn("shutdown grace elapsed, cancelling in-flight jobs")
	}
	stopJobs()
	<-done
}

func (p *Pool) consume(consumeCtx, jobCtx context.Context, queueName string) {
	for {
		job, _, err := p.queue.Dequeue(consumeCtx, queueName)
		if consumeCtx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("dequeue failed", zap.String("queue", queueName), zap.Error(err))
			select {
			case <-consumeCtx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.handle(jobCtx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	kind := string(job.Kind)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.String("job_kind", kind),
				zap.Any("panic", r))
			metrics.JobsProcessed.WithLabelValues(kind, "dropped").Inc()
		}
	}()

	fn, ok := p.handlers[job.Kind]
	if !ok {
		p.logger.Error("no handler for job kind", zap.String("job_kind", kind))
		metrics.JobsProcessed.WithLabelValues(kind, "dropped").Inc()
		return
	}

	start := time.Now()
	err := fn(ctx, job)
	metrics.JobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.JobsProcessed.WithLabelValues(kind, "ok").Inc()
		return
	}

	outcome := "retried"
	if job.Attempt+1 >= queue.MaxRetries {
		outcome = "dead"
	}
	metrics.JobsProcessed.WithLabelValues(kind, outcome).Inc()
	p.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("job_kind", kind),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))
	p.retry(job)
}

// retry re-schedules a failed job. It runs on its own context so a shutdown
// in progress cannot lose the job between pop and re-push.
func (p *Pool) retry(job *queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), retryWriteTimeout)
	defer cancel()
	if err := p.queue.Retry(ctx, job); err != nil {
		p.logger.Error("job lost: retry write failed",
			zap.String("job_id", job.ID),
			zap.String("job_kind", string(job.Kind)),
			zap.Error(err))
	}
}

// releaseLoop moves jobs whose backoff elapsed back onto their queues.
func (p *Pool) releaseLoop(ctx context.Context) {
	ticker := time.NewTicker(releaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReleaseDue(ctx, time.Now())
			if err != nil {
				p.logger.Error("release delayed jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("released delayed jobs", zap.Int("count", n))
			}
		}
	}
}

// depthLoop exports queue lengths as gauges.
func (p *Pool) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			for name, n := range depths {
				metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
			}
		}
	}
}
