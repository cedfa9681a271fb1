package models

import (
	"errors"
	"time"
)

// Status enumerates lifecycle states persisted for a download job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrInvalidTransition is returned when an update would move a job along an edge the
	// state machine does not have.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleState is returned when an update was guarded on a status the job no longer has.
	ErrStaleState = errors.New("job status changed concurrently")
	// ErrInvariant is returned when an update would set fields the target status forbids.
	ErrInvariant = errors.New("job invariant violated")
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition enforces the job state machine edges.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Job is one request to convert one piece of content into one output format.
type Job struct {
	ID              int64      `json:"id"`
	SourceURL       string     `json:"source_url"`
	ContentID       string     `json:"content_id"`
	Format          Format     `json:"format"`
	Status          Status     `json:"status"`
	Title           *string    `json:"title"`
	SizeBytes       *int64     `json:"size_bytes"`
	DurationSeconds *int       `json:"duration_seconds"`
	ErrorReason     *string    `json:"error_reason"`
	ArtifactRef     *string    `json:"artifact_ref"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Draft collects the immutable inputs of a new job.
type Draft struct {
	SourceURL string
	ContentID string
	Format    Format
	CreatedAt time.Time
}
