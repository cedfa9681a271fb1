package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-download-service/internal/models"
)

const uniqueViolation = "23505"

const jobColumns = `id, source_url, content_id, format, status, title, size_bytes, duration_seconds,
	error_reason, artifact_ref, created_at, started_at, completed_at, updated_at`

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Insert creates a pending job. The partial unique index on (content_id, format) is the
// concurrency gate: a violation means another live job owns the pair.
func (s *Postgres) Insert(ctx context.Context, d models.Draft) (models.Job, error) {
	created := d.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO downloads (source_url, content_id, format, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+jobColumns,
		d.SourceURL, d.ContentID, string(d.Format), string(models.StatusPending), created.UTC())

	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Job{}, ErrConflict
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Postgres) FindActive(ctx context.Context, contentID string, format models.Format) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM downloads
		WHERE content_id = $1 AND format = $2 AND status <> $3
		ORDER BY id DESC
		LIMIT 1
	`, contentID, string(format), string(models.StatusFailed))

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find active job: %w", err)
	}
	return job, true, nil
}

// Get fetches a job by id.
func (s *Postgres) Get(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM downloads WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListByIDs(ctx context.Context, ids []int64) ([]models.Job, error) {
	if len(ids) == 0 {
		return []models.Job{}, nil
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM downloads WHERE id = ANY($1) ORDER BY id`, ids)
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM downloads WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (s *Postgres) List(ctx context.Context) ([]models.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM downloads ORDER BY created_at DESC, id DESC`)
}

// Update applies u under a row lock so concurrent writers to the same job serialise.
func (s *Postgres) Update(ctx context.Context, id int64, u models.JobUpdate) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM downloads WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}

	next, err := u.Apply(current, s.now())
	if err != nil {
		return current, fmt.Errorf("update job %d: %w", id, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE downloads
		SET status = $2, title = $3, size_bytes = $4, duration_seconds = $5, error_reason = $6,
		    artifact_ref = $7, started_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $1
	`, id, string(next.Status), next.Title, next.SizeBytes, next.DurationSeconds, next.ErrorReason,
		next.ArtifactRef, next.StartedAt, next.CompletedAt, next.UpdatedAt)
	if err != nil {
		return current, fmt.Errorf("write job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return current, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Postgres) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM downloads WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                     models.Job
		format, status          string
		title, reason, artifact pgtype.Text
		size                    pgtype.Int8
		duration                pgtype.Int4
		startedAt, completedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.SourceURL, &job.ContentID, &format, &status, &title, &size, &duration,
		&reason, &artifact, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Format = models.Format(format)
	job.Status = models.Status(status)
	job.Title = textPtr(title)
	job.ErrorReason = textPtr(reason)
	job.ArtifactRef = textPtr(artifact)
	if size.Valid {
		job.SizeBytes = &size.Int64
	}
	if duration.Valid {
		d := int(duration.Int32)
		job.DurationSeconds = &d
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
