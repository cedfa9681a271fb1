package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"media-download-service/internal/models"
	"media-download-service/internal/provider"
	"media-download-service/internal/store"
	"media-download-service/internal/telemetry"
)

// DefaultTimeout bounds one job's processing when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// ArtifactRemover releases artifacts whose job could not be completed.
type ArtifactRemover interface {
	Delete(ctx context.Context, key string) error
}

// Options wires an Engine.
type Options struct {
	Store     store.Repository
	Provider  provider.Provider
	Artifacts ArtifactRemover
	Logger    zerolog.Logger
	Clock     func() time.Time
	Timeout   time.Duration
}

// Engine drives a single job from pending to a terminal status.
type Engine struct {
	store     store.Repository
	provider  provider.Provider
	artifacts ArtifactRemover
	log       zerolog.Logger
	now       func() time.Time
	timeout   time.Duration
	locks     *keyedMutex
}

func NewEngine(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		store:     opts.Store,
		provider:  opts.Provider,
		artifacts: opts.Artifacts,
		log:       opts.Logger.With().Str("component", "lifecycle").Logger(),
		now:       clock,
		timeout:   timeout,
		locks:     newKeyedMutex(),
	}
}

// Timeout reports the processing bound applied to each job.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// outcome is what the work goroutine reports back.
type outcome struct {
	meta     provider.Metadata
	artifact provider.Artifact
	reason   string
	cause    string
	err      error // store failure while recording metadata
}

func (o outcome) failed() bool { return o.reason != "" }

// Run processes job id. A job that is not pending is returned unchanged. Provider errors
// end up in the job's error reason; only store errors are returned.
func (e *Engine) Run(ctx context.Context, id int64) (models.Job, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	job, err := e.store.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusPending {
		e.log.Debug().Int64("job_id", id).Str("status", string(job.Status)).Msg("skipping non-pending job")
		return job, nil
	}

	started := e.now()
	job, err = e.store.Update(ctx, id, models.JobUpdate{
		From:      models.StatusPending,
		Status:    models.StatusProcessing,
		StartedAt: &started,
	})
	if errors.Is(err, models.ErrStaleState) {
		return e.store.Get(ctx, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("start job %d: %w", id, err)
	}
	e.log.Info().Int64("job_id", id).Str("content_id", job.ContentID).Str("format", string(job.Format)).Msg("processing started")

	workCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		results <- e.work(workCtx, job)
	}()

	var res outcome
	select {
	case res = <-results:
		if res.failed() && workCtx.Err() != nil {
			res = outcome{reason: e.interruptReason(ctx), cause: telemetry.CauseTimeout}
		}
	case <-workCtx.Done():
		res = outcome{reason: e.interruptReason(ctx), cause: telemetry.CauseTimeout}
		go e.releaseLate(results)
	}

	// Terminal writes outlive a cancelled or expired request context.
	writeCtx := context.WithoutCancel(ctx)
	if res.err != nil {
		failed, err := e.fail(writeCtx, job, outcome{reason: "record title: " + res.err.Error(), cause: telemetry.CauseStore})
		if err != nil {
			return job, errors.Join(fmt.Errorf("record title for job %d: %w", job.ID, res.err), err)
		}
		return failed, nil
	}
	if res.failed() {
		return e.fail(writeCtx, job, res)
	}
	return e.complete(writeCtx, job, res)
}

// work runs the provider calls and recovers provider panics.
func (e *Engine) work(ctx context.Context, job models.Job) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome{reason: fmt.Sprintf("internal error: %v", r), cause: telemetry.CausePanic}
		}
	}()

	meta, err := e.provider.FetchMetadata(ctx, job.ContentID)
	if err != nil {
		return outcome{reason: "fetch metadata: " + err.Error(), cause: telemetry.CauseMetadata}
	}
	if meta.Title != "" {
		title := meta.Title
		if _, err := e.store.Update(ctx, job.ID, models.JobUpdate{From: models.StatusProcessing, Title: &title}); err != nil {
			if ctx.Err() != nil {
				return outcome{reason: ctx.Err().Error(), cause: telemetry.CauseTimeout}
			}
			if errors.Is(err, models.ErrStaleState) {
				return outcome{reason: "job changed during processing", cause: telemetry.CauseMetadata}
			}
			return outcome{err: err}
		}
	}

	art, err := e.provider.Convert(ctx, provider.ConvertRequest{
		JobID:           job.ID,
		ContentID:       job.ContentID,
		Format:          job.Format,
		Title:           meta.Title,
		DurationSeconds: meta.DurationSeconds,
	})
	if err != nil {
		return outcome{meta: meta, reason: job.Format.ConversionName() + ": " + err.Error(), cause: telemetry.CauseConvert}
	}
	return outcome{meta: meta, artifact: art}
}

func (e *Engine) interruptReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return "processing interrupted: " + ctx.Err().Error()
	}
	return fmt.Sprintf("processing timed out after %s", e.timeout)
}

func (e *Engine) complete(ctx context.Context, job models.Job, res outcome) (models.Job, error) {
	duration := res.meta.DurationSeconds
	size := job.Format.EstimateSize(duration)
	if res.artifact.SizeBytes > 0 {
		size = res.artifact.SizeBytes
	}
	ref := res.artifact.Ref
	completed := e.now()

	next, err := e.store.Update(ctx, job.ID, models.JobUpdate{
		From:            models.StatusProcessing,
		Status:          models.StatusCompleted,
		CompletedAt:     &completed,
		ArtifactRef:     &ref,
		SizeBytes:       &size,
		DurationSeconds: &duration,
	})
	if errors.Is(err, models.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Int64("job_id", job.ID).Msg("job changed before completion was recorded; releasing artifact")
		e.release(ctx, ref)
		current, getErr := e.store.Get(ctx, job.ID)
		if errors.Is(getErr, store.ErrNotFound) {
			return job, nil
		}
		return current, getErr
	}
	if err != nil {
		e.release(ctx, ref)
		return job, fmt.Errorf("complete job %d: %w", job.ID, err)
	}

	telemetry.Completed.WithLabelValues(string(job.Format)).Inc()
	e.observe(next)
	e.log.Info().Int64("job_id", job.ID).Str("artifact", ref).Int64("size_bytes", size).Msg("processing completed")
	return next, nil
}

func (e *Engine) fail(ctx context.Context, job models.Job, res outcome) (models.Job, error) {
	reason := res.reason
	completed := e.now()
	next, err := e.store.Update(ctx, job.ID, models.JobUpdate{
		From:        models.StatusProcessing,
		Status:      models.StatusFailed,
		CompletedAt: &completed,
		ErrorReason: &reason,
	})
	if errors.Is(err, models.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
		current, getErr := e.store.Get(ctx, job.ID)
		if errors.Is(getErr, store.ErrNotFound) {
			return job, nil
		}
		return current, getErr
	}
	if err != nil {
		return job, fmt.Errorf("fail job %d: %w", job.ID, err)
	}

	telemetry.Failed.WithLabelValues(res.cause).Inc()
	e.observe(next)
	e.log.Warn().Int64("job_id", job.ID).Str("reason", reason).Msg("processing failed")
	return next, nil
}

func (e *Engine) observe(job models.Job) {
	if job.StartedAt != nil && job.CompletedAt != nil {
		telemetry.ProcessingTime.WithLabelValues(string(job.Status)).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
}

// releaseLate waits for abandoned work and deletes whatever it produced.
func (e *Engine) releaseLate(results <-chan outcome) {
	res := <-results
	if res.artifact.Ref != "" {
		e.release(context.Background(), res.artifact.Ref)
	}
}

func (e *Engine) release(ctx context.Context, ref string) {
	if ref == "" || e.artifacts == nil {
		return
	}
	if err := e.artifacts.Delete(ctx, ref); err != nil {
		e.log.Error().Err(err).Str("artifact", ref).Msg("release artifact")
	}
}
