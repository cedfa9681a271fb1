package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"media-download-service/internal/models"
	"media-download-service/internal/store"
	"media-download-service/internal/telemetry"
)

// Requeuer puts a job id back on the work queue unless it is already queued or leased.
type Requeuer interface {
	RequeueIfAbsent(ctx context.Context, jobID int64) (bool, error)
}

// ReaperOptions wires a Reaper.
type ReaperOptions struct {
	Store        store.Repository
	Queue        Requeuer
	Logger       zerolog.Logger
	Clock        func() time.Time
	Timeout      time.Duration
	PendingAfter time.Duration
	Interval     time.Duration
}

// Reaper fails jobs stuck in processing past the timeout and re-enqueues pending jobs that
// waited longer than the grace period.
type Reaper struct {
	store        store.Repository
	queue        Requeuer
	log          zerolog.Logger
	now          func() time.Time
	timeout      time.Duration
	pendingAfter time.Duration
	interval     time.Duration
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	TimedOut int
	Requeued int
}

func NewReaper(opts ReaperOptions) *Reaper {
	r := &Reaper{
		store:        opts.Store,
		queue:        opts.Queue,
		log:          opts.Logger.With().Str("component", "reaper").Logger(),
		now:          opts.Clock,
		timeout:      opts.Timeout,
		pendingAfter: opts.PendingAfter,
		interval:     opts.Interval,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	return r
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if res, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error().Err(err).Msg("sweep failed")
		} else if res.TimedOut > 0 || res.Requeued > 0 {
			r.log.Info().Int("timed_out", res.TimedOut).Int("requeued", res.Requeued).Msg("sweep")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	processing, err := r.store.ListByStatus(ctx, models.StatusProcessing)
	if err != nil {
		return res, fmt.Errorf("list processing jobs: %w", err)
	}
	reason := fmt.Sprintf("processing timed out after %s", r.timeout)
	for _, job := range processing {
		if job.StartedAt == nil || !job.StartedAt.Add(r.timeout).Before(now) {
			continue
		}
		completed := now
		_, err := r.store.Update(ctx, job.ID, models.JobUpdate{
			From:        models.StatusProcessing,
			Status:      models.StatusFailed,
			CompletedAt: &completed,
			ErrorReason: &reason,
		})
		if errors.Is(err, models.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("time out job %d: %w", job.ID, err)
		}
		telemetry.Failed.WithLabelValues(telemetry.CauseTimeout).Inc()
		r.log.Warn().Int64("job_id", job.ID).Msg("processing job timed out")
		res.TimedOut++
	}

	if r.queue == nil || r.pendingAfter <= 0 {
		return res, nil
	}
	pending, err := r.store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return res, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if !job.CreatedAt.Add(r.pendingAfter).Before(now) {
			continue
		}
		pushed, err := r.queue.RequeueIfAbsent(ctx, job.ID)
		if err != nil {
			return res, fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		if pushed {
			r.log.Debug().Int64("job_id", job.ID).Msg("requeued stale pending job")
			res.Requeued++
		}
	}
	return res, nil
}
