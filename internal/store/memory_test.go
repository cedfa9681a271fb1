package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"media-download-service/internal/models"
)

func draft(contentID string, format models.Format) models.Draft {
	return models.Draft{
		SourceURL: "https://www.youtube.com/watch?v=" + contentID,
		ContentID: contentID,
		Format:    format,
	}
}

func failJob(t *testing.T, r Repository, id int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Update(ctx, id, models.JobUpdate{From: models.StatusPending, Status: models.StatusProcessing}); err != nil {
		t.Fatalf("start job %d: %v", id, err)
	}
	reason := "boom"
	if _, err := r.Update(ctx, id, models.JobUpdate{From: models.StatusProcessing, Status: models.StatusFailed, ErrorReason: &reason}); err != nil {
		t.Fatalf("fail job %d: %v", id, err)
	}
}

// exerciseRepository runs the behaviour shared by every Repository implementation.
func exerciseRepository(t *testing.T, r Repository) {
	ctx := context.Background()

	first, err := r.Insert(ctx, draft("AAAAAAAAAAA", models.FormatMP3))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID == 0 || first.Status != models.StatusPending {
		t.Fatalf("unexpected inserted job: %+v", first)
	}

	if _, err := r.Insert(ctx, draft("AAAAAAAAAAA", models.FormatMP3)); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate insert err = %v, want ErrConflict", err)
	}
	other, err := r.Insert(ctx, draft("AAAAAAAAAAA", models.FormatWAV))
	if err != nil {
		t.Fatalf("same content other format: %v", err)
	}

	active, ok, err := r.FindActive(ctx, "AAAAAAAAAAA", models.FormatMP3)
	if err != nil || !ok || active.ID != first.ID {
		t.Fatalf("find active = %+v, %v, %v", active, ok, err)
	}

	failJob(t, r, first.ID)
	if _, ok, _ := r.FindActive(ctx, "AAAAAAAAAAA", models.FormatMP3); ok {
		t.Fatalf("failed job must not count as active")
	}
	resubmitted, err := r.Insert(ctx, draft("AAAAAAAAAAA", models.FormatMP3))
	if err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
	if resubmitted.ID == first.ID {
		t.Fatalf("resubmission reused id %d", first.ID)
	}

	jobs, err := r.ListByIDs(ctx, []int64{resubmitted.ID, 999999, first.ID, first.ID})
	if err != nil {
		t.Fatalf("list by ids: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != first.ID || jobs[1].ID != resubmitted.ID {
		t.Fatalf("list by ids = %+v", jobs)
	}
	empty, err := r.ListByIDs(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("list by no ids = %v, %v", empty, err)
	}

	failed, err := r.ListByStatus(ctx, models.StatusFailed)
	if err != nil || len(failed) != 1 || failed[0].ID != first.ID {
		t.Fatalf("list failed = %+v, %v", failed, err)
	}

	all, err := r.List(ctx)
	if err != nil || len(all) != 3 || all[0].ID != resubmitted.ID {
		t.Fatalf("list = %+v, %v", all, err)
	}

	if _, err := r.Update(ctx, 999999, models.JobUpdate{Status: models.StatusProcessing}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v, want ErrNotFound", err)
	}
	if _, err := r.Update(ctx, other.ID, models.JobUpdate{From: models.StatusProcessing, Status: models.StatusCompleted}); !errors.Is(err, models.ErrStaleState) {
		t.Fatalf("guarded update err = %v, want ErrStaleState", err)
	}

	deleted, err := r.Delete(ctx, other.ID)
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	deleted, err = r.Delete(ctx, other.ID)
	if err != nil || deleted {
		t.Fatalf("second delete = %v, %v; want false, nil", deleted, err)
	}
	if _, err := r.Get(ctx, other.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRepository(t *testing.T) {
	exerciseRepository(t, NewMemory(nil))
}

func TestMemoryConcurrentInsertsConverge(t *testing.T) {
	r := NewMemory(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Insert(ctx, draft("BBBBBBBBBBB", models.FormatMP4)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created %d jobs for one pair, want 1", created)
	}
}
