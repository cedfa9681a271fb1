package store

import (
	"context"
	"errors"

	"media-download-service/internal/models"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned by Insert when a non-failed job already exists for the
	// (content_id, format) pair.
	ErrConflict = errors.New("active job already exists for content and format")
)

// Repository is the job table. All job mutation goes through Update.
type Repository interface {
	Insert(ctx context.Context, d models.Draft) (models.Job, error)
	// FindActive returns the most recent non-failed job for the pair.
	FindActive(ctx context.Context, contentID string, format models.Format) (models.Job, bool, error)
	Get(ctx context.Context, id int64) (models.Job, error)
	// ListByIDs returns the jobs that exist among ids, ordered by id. Unknown ids are skipped.
	ListByIDs(ctx context.Context, ids []int64) ([]models.Job, error)
	// ListByStatus returns jobs in the given status, oldest first.
	ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error)
	// List returns every job, newest first.
	List(ctx context.Context) ([]models.Job, error)
	Update(ctx context.Context, id int64, u models.JobUpdate) (models.Job, error)
	// Delete removes the job and reports whether it existed.
	Delete(ctx context.Context, id int64) (bool, error)
}

var (
	_ Repository = (*Postgres)(nil)
	_ Repository = (*Memory)(nil)
)
