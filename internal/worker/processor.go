package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"media-download-service/internal/config"
	"media-download-service/internal/models"
	"media-download-service/internal/queue"
	"media-download-service/internal/store"
	"media-download-service/internal/telemetry"
)

// Runner processes one job id to a terminal status.
type Runner interface {
	Run(ctx context.Context, id int64) (models.Job, error)
}

// bounded is implemented by runners that cap how long one job may take.
type bounded interface {
	Timeout() time.Duration
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	engine   Runner
	log      zerolog.Logger
	workerID string

	maintenanceInterval time.Duration
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, engine Runner, log zerolog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, engine, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, engine Runner, log zerolog.Logger, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	l := log.With().Str("component", "worker")
	if workerID != "" {
		l = l.Str("worker_id", workerID)
	}
	return &Processor{
		cfg:                 cfg,
		queue:               q,
		engine:              engine,
		log:                 l.Logger(),
		workerID:            workerID,
		maintenanceInterval: 2 * time.Second,
	}
}

// Run starts the maintenance loop and WorkerConcurrency consumers until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error { return p.consume(ctx, slot) })
	}
	p.log.Info().Int("concurrency", p.cfg.WorkerConcurrency).Msg("worker started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context, slot int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Int("slot", slot).Msg("dequeue")
			}
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.handle(ctx, id)
	}
}

// handle runs one leased job and acks it unless a store failure leaves it for redelivery.
func (p *Processor) handle(ctx context.Context, id int64) {
	timeout := p.cfg.ProcessingTimeout
	if b, ok := p.engine.(bounded); ok {
		timeout = b.Timeout()
	}
	// Keep the lease longer than the engine may take.
	if timeout > p.cfg.VisibilityTimeout/2 {
		if err := p.queue.ExtendLease(ctx, id, 2*timeout); err != nil {
			p.log.Warn().Err(err).Int64("job_id", id).Msg("extend lease")
		}
	}

	job, err := p.engine.Run(ctx, id)
	ackCtx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.log.Debug().Int64("job_id", id).Msg("job no longer exists")
	case err != nil:
		p.log.Error().Err(err).Int64("job_id", id).Msg("run job; leaving lease to expire")
		return
	default:
		p.log.Debug().Int64("job_id", id).Str("status", string(job.Status)).Msg("job handled")
	}
	if err := p.queue.Ack(ackCtx, id); err != nil {
		p.log.Error().Err(err).Int64("job_id", id).Msg("ack")
	}
}

// maintain reclaims expired leases and refreshes queue gauges.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.maintenanceInterval)
	defer ticker.Stop()
	for {
		if err := p.Maintain(ctx, time.Now()); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("queue maintenance")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain runs one maintenance pass at now.
func (p *Processor) Maintain(ctx context.Context, now time.Time) error {
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		return fmt.Errorf("requeue expired: %w", err)
	}
	if len(reclaimed) > 0 {
		p.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
	}
	depth, err := p.queue.ReadyDepth(ctx)
	if err != nil {
		return fmt.Errorf("ready depth: %w", err)
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
	leased, err := p.queue.InFlight(ctx)
	if err != nil {
		return fmt.Errorf("inflight count: %w", err)
	}
	telemetry.InFlightGauge.Set(float64(leased))
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
