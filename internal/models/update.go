package models

import (
	"fmt"
	"time"
)

// JobUpdate is a partial mutation of a job. Every store applies it through Apply so both
// implementations enforce the same state machine and field invariants.
type JobUpdate struct {
	// From guards the update on the job's current status. Empty means any status.
	From Status
	// Status is the target status. Empty keeps the current one.
	Status Status

	Title           *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	SizeBytes       *int64
	DurationSeconds *int
	ErrorReason     *string
	ArtifactRef     *string
}

func (u JobUpdate) empty() bool {
	return u.Status == "" && u.Title == nil && u.StartedAt == nil && u.CompletedAt == nil &&
		u.SizeBytes == nil && u.DurationSeconds == nil && u.ErrorReason == nil && u.ArtifactRef == nil
}

// Apply returns job with the update applied. now stamps UpdatedAt and fills StartedAt or
// CompletedAt when a transition does not carry them.
func (u JobUpdate) Apply(job Job, now time.Time) (Job, error) {
	if u.From != "" && job.Status != u.From {
		return job, fmt.Errorf("%w: job %d is %s, expected %s", ErrStaleState, job.ID, job.Status, u.From)
	}
	if u.empty() {
		return job, nil
	}
	if u.Status != "" && !u.Status.Valid() {
		return job, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, u.Status)
	}

	next := job
	transition := u.Status != "" && u.Status != job.Status
	if transition {
		if !CanTransition(job.Status, u.Status) {
			return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, u.Status)
		}
		next.Status = u.Status
	} else if job.Status.Terminal() {
		return job, fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, job.ID, job.Status)
	}

	if u.Title != nil {
		if next.Title != nil && *next.Title != *u.Title {
			return job, fmt.Errorf("%w: title already set", ErrInvariant)
		}
		next.Title = ptr(*u.Title)
	}

	enteringProcessing := transition && next.Status == StatusProcessing
	if u.StartedAt != nil && !enteringProcessing {
		return job, fmt.Errorf("%w: started_at is only set when processing begins", ErrInvariant)
	}
	if enteringProcessing {
		started := now
		if u.StartedAt != nil {
			started = *u.StartedAt
		}
		next.StartedAt = ptr(started.UTC())
	}

	enteringTerminal := transition && next.Status.Terminal()
	if u.CompletedAt != nil && !enteringTerminal {
		return job, fmt.Errorf("%w: completed_at is only set on a terminal transition", ErrInvariant)
	}
	if enteringTerminal {
		completed := now
		if u.CompletedAt != nil {
			completed = *u.CompletedAt
		}
		// started_at <= completed_at even when clocks of different workers disagree.
		if next.StartedAt != nil && completed.Before(*next.StartedAt) {
			completed = *next.StartedAt
		}
		next.CompletedAt = ptr(completed.UTC())
	}

	completing := transition && next.Status == StatusCompleted
	if (u.ArtifactRef != nil || u.SizeBytes != nil || u.DurationSeconds != nil) && !completing {
		return job, fmt.Errorf("%w: artifact, size and duration are only set on completion", ErrInvariant)
	}
	if completing {
		next.ArtifactRef = copyPtr(u.ArtifactRef)
		next.SizeBytes = copyPtr(u.SizeBytes)
		next.DurationSeconds = copyPtr(u.DurationSeconds)
	}

	failing := transition && next.Status == StatusFailed
	if u.ErrorReason != nil && !failing {
		return job, fmt.Errorf("%w: error_reason is only set when failing", ErrInvariant)
	}
	if failing {
		if u.ErrorReason == nil || *u.ErrorReason == "" {
			return job, fmt.Errorf("%w: failing requires an error reason", ErrInvariant)
		}
		next.ErrorReason = ptr(*u.ErrorReason)
	}

	next.UpdatedAt = now.UTC()
	return next, nil
}

func ptr[T any](v T) *T { return &v }

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
