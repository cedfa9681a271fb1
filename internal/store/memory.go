package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"media-download-service/internal/models"
)

// Memory is an in-process Repository for development and tests. It enforces the same
// active-pair uniqueness as the Postgres partial index.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]models.Job
	now    func() time.Time
}

// NewMemory creates an empty store. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{jobs: make(map[int64]models.Job), now: now}
}

func (m *Memory) Insert(_ context.Context, d models.Draft) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.findActiveLocked(d.ContentID, d.Format); ok {
		return models.Job{}, ErrConflict
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = m.now()
	}
	m.nextID++
	job := models.Job{
		ID:        m.nextID,
		SourceURL: d.SourceURL,
		ContentID: d.ContentID,
		Format:    d.Format,
		Status:    models.StatusPending,
		CreatedAt: created.UTC(),
		UpdatedAt: created.UTC(),
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) FindActive(_ context.Context, contentID string, format models.Format) (models.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.findActiveLocked(contentID, format)
	return job, ok, nil
}

func (m *Memory) findActiveLocked(contentID string, format models.Format) (models.Job, bool) {
	var found models.Job
	ok := false
	for _, j := range m.jobs {
		if j.ContentID != contentID || j.Format != format || j.Status == models.StatusFailed {
			continue
		}
		if !ok || j.ID > found.ID {
			found, ok = j, true
		}
	}
	return found, ok
}

func (m *Memory) Get(_ context.Context, id int64) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *Memory) ListByIDs(_ context.Context, ids []int64) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int64]bool, len(ids))
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if job, ok := m.jobs[id]; ok {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListByStatus(_ context.Context, status models.Status) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) List(_ context.Context) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) Update(_ context.Context, id int64, u models.JobUpdate) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("update job %d: %w", id, ErrNotFound)
	}
	next, err := u.Apply(job, m.now())
	if err != nil {
		return job, fmt.Errorf("update job %d: %w", id, err)
	}
	m.jobs[id] = next
	return next, nil
}

func (m *Memory) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}
