package downloads

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"media-download-service/internal/extract"
	"media-download-service/internal/models"
	"media-download-service/internal/store"
	"media-download-service/internal/telemetry"
)

// Field messages returned in a ValidationError.
const (
	MsgURLRequired    = "Please enter a YouTube URL."
	MsgURLInvalid     = "Please enter a valid YouTube URL."
	MsgFormatRequired = "Please select a format."
	MsgFormatInvalid  = "Please select a valid format (MP3, MP4, or WAV)."
	MsgStatusInvalid  = "Unknown status filter."
)

const maxInsertAttempts = 3

// ErrDispatch is returned when a new job could not be handed to the workers.
var ErrDispatch = errors.New("dispatch download job")

// ValidationError carries field scoped messages for rejected input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Dispatcher hands job ids to the worker pool.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID int64) error
	Cancel(ctx context.Context, jobID int64) error
}

// ArtifactStore releases stored artifacts on delete.
type ArtifactStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Options wires a Service.
type Options struct {
	Store      store.Repository
	Dispatcher Dispatcher
	Artifacts  ArtifactStore
	Logger     zerolog.Logger
	Clock      func() time.Time
}

// Service is the request-facing side of downloads: submission, lookup, deletion and polling.
type Service struct {
	store      store.Repository
	dispatcher Dispatcher
	artifacts  ArtifactStore
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		artifacts:  opts.Artifacts,
		log:        opts.Logger.With().Str("component", "downloads").Logger(),
		now:        clock,
	}
}

// Submit validates input and returns the job for the (content, format) pair. created is false
// when an existing pending, processing or completed job answered the request.
func (s *Service) Submit(ctx context.Context, rawURL, rawFormat string) (models.Job, bool, error) {
	contentID, format, err := validate(rawURL, rawFormat)
	if err != nil {
		return models.Job{}, false, err
	}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		existing, ok, err := s.store.FindActive(ctx, contentID, format)
		if err != nil {
			return models.Job{}, false, err
		}
		if ok {
			telemetry.DuplicateHits.Inc()
			return existing, false, nil
		}

		job, err := s.store.Insert(ctx, models.Draft{
			SourceURL: strings.TrimSpace(rawURL),
			ContentID: contentID,
			Format:    format,
			CreatedAt: s.now(),
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}

		if err := s.dispatcher.Enqueue(ctx, job.ID); err != nil {
			s.abandon(ctx, job, err)
			return job, true, fmt.Errorf("%w %d: %v", ErrDispatch, job.ID, err)
		}
		telemetry.Submissions.WithLabelValues(string(format)).Inc()
		s.log.Info().Int64("job_id", job.ID).Str("content_id", contentID).Str("format", string(format)).Msg("download submitted")
		return job, true, nil
	}
	return models.Job{}, false, fmt.Errorf("submit %s/%s: %w", contentID, format, store.ErrConflict)
}

// abandon fails a job that never reached the queue so the pair can be submitted again.
func (s *Service) abandon(ctx context.Context, job models.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	reason := "enqueue failed: " + cause.Error()
	if _, err := s.store.Update(ctx, job.ID, models.JobUpdate{From: models.StatusPending, Status: models.StatusProcessing, StartedAt: &now}); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("abandon job")
		return
	}
	if _, err := s.store.Update(ctx, job.ID, models.JobUpdate{From: models.StatusProcessing, Status: models.StatusFailed, CompletedAt: &now, ErrorReason: &reason}); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("abandon job")
		return
	}
	telemetry.Failed.WithLabelValues(telemetry.CauseEnqueue).Inc()
	s.log.Error().Err(cause).Int64("job_id", job.ID).Msg("enqueue failed")
}

func validate(rawURL, rawFormat string) (string, models.Format, error) {
	fields := map[string]string{}

	var contentID string
	if strings.TrimSpace(rawURL) == "" {
		fields["url"] = MsgURLRequired
	} else if id, err := extract.VideoID(rawURL); err != nil {
		fields["url"] = MsgURLInvalid
	} else {
		contentID = id
	}

	var format models.Format
	if strings.TrimSpace(rawFormat) == "" {
		fields["format"] = MsgFormatRequired
	} else if f, err := models.ParseFormat(rawFormat); err != nil {
		fields["format"] = MsgFormatInvalid
	} else {
		format = f
	}

	if len(fields) > 0 {
		return "", "", &ValidationError{Fields: fields}
	}
	return contentID, format, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id int64) (models.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns history newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]models.Job, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		return s.store.List(ctx)
	}
	st := models.Status(status)
	if !st.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": MsgStatusInvalid}}
	}
	jobs, err := s.store.ListByStatus(ctx, st)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	return jobs, nil
}

// Delete removes the job, withdraws it from the queue and releases its artifact. It reports
// whether the job existed.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	deleted, err := s.store.Delete(ctx, id)
	if err != nil || !deleted {
		return false, err
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Cancel(ctx, id); err != nil {
			s.log.Warn().Err(err).Int64("job_id", id).Msg("cancel queued job")
		}
	}
	if job.ArtifactRef != nil && s.artifacts != nil {
		s.release(ctx, id, *job.ArtifactRef)
	}
	s.log.Info().Int64("job_id", id).Msg("download deleted")
	return true, nil
}

func (s *Service) release(ctx context.Context, id int64, ref string) {
	ok, err := s.artifacts.Exists(ctx, ref)
	if err != nil {
		s.log.Warn().Err(err).Int64("job_id", id).Str("artifact", ref).Msg("stat artifact")
		return
	}
	if !ok {
		s.log.Debug().Int64("job_id", id).Str("artifact", ref).Msg("artifact already gone")
		return
	}
	if err := s.artifacts.Delete(ctx, ref); err != nil {
		s.log.Warn().Err(err).Int64("job_id", id).Str("artifact", ref).Msg("release artifact")
	}
}

// Check returns status snapshots for the known ids among ids.
func (s *Service) Check(ctx context.Context, ids []int64) ([]models.Snapshot, error) {
	telemetry.StatusChecks.Inc()
	if len(ids) == 0 {
		return []models.Snapshot{}, nil
	}
	jobs, err := s.store.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out, nil
}

// ParseIDs reads job ids from comma separated values. Tokens that are not positive integers
// are ignored and duplicates collapse, keeping first-seen order.
func ParseIDs(values ...string) []int64 {
	seen := make(map[int64]bool)
	out := make([]int64, 0)
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
			if err != nil || id <= 0 || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
