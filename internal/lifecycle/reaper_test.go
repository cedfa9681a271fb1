package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-download-service/internal/models"
	"media-download-service/internal/queue"
	"media-download-service/internal/store"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []int64
}

func (q *recordingQueue) RequeueIfAbsent(_ context.Context, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.ids {
		if queued == id {
			return false, nil
		}
	}
	q.ids = append(q.ids, id)
	return true, nil
}

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	st := store.NewMemory(func() time.Time { return t0 })

	stuck, _ := st.Insert(ctx, models.Draft{ContentID: "AAAAAAAAAAA", Format: models.FormatMP3})
	started := t0
	if _, err := st.Update(ctx, stuck.ID, models.JobUpdate{From: models.StatusPending, Status: models.StatusProcessing, StartedAt: &started}); err != nil {
		t.Fatalf("start: %v", err)
	}
	lost, _ := st.Insert(ctx, models.Draft{ContentID: "BBBBBBBBBBB", Format: models.FormatMP3})
	fresh, _ := st.Insert(ctx, models.Draft{ContentID: "CCCCCCCCCCC", Format: models.FormatMP3, CreatedAt: t0.Add(9 * time.Minute)})

	q := &recordingQueue{}
	r := NewReaper(ReaperOptions{
		Store:        st,
		Queue:        q,
		Logger:       zerolog.Nop(),
		Clock:        func() time.Time { return t0.Add(10 * time.Minute) },
		Timeout:      5 * time.Minute,
		PendingAfter: 2 * time.Minute,
	})

	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.TimedOut != 1 || res.Requeued != 1 {
		t.Fatalf("result = %+v", res)
	}

	job, _ := st.Get(ctx, stuck.ID)
	if job.Status != models.StatusFailed || *job.ErrorReason != "processing timed out after 5m0s" {
		t.Fatalf("stuck job = %+v", job)
	}
	if len(q.ids) != 1 || q.ids[0] != lost.ID {
		t.Fatalf("requeued %v, want [%d]", q.ids, lost.ID)
	}
	if got, _ := st.Get(ctx, fresh.ID); got.Status != models.StatusPending {
		t.Fatalf("fresh job status = %s", got.Status)
	}

	res, err = r.Sweep(ctx)
	if err != nil || res.TimedOut != 0 || res.Requeued != 0 {
		t.Fatalf("second sweep = %+v, %v", res, err)
	}
}

func TestReaperDoesNotDuplicateQueuedJobs(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := queue.NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", time.Minute)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	st := store.NewMemory(func() time.Time { return t0 })
	waiting, _ := st.Insert(ctx, models.Draft{ContentID: "AAAAAAAAAAA", Format: models.FormatMP3})
	if err := q.Enqueue(ctx, waiting.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dropped, _ := st.Insert(ctx, models.Draft{ContentID: "BBBBBBBBBBB", Format: models.FormatMP3})

	r := NewReaper(ReaperOptions{
		Store:        st,
		Queue:        q,
		Logger:       zerolog.Nop(),
		Clock:        func() time.Time { return t0.Add(10 * time.Minute) },
		Timeout:      5 * time.Minute,
		PendingAfter: 2 * time.Minute,
	})

	requeued := 0
	for i := 0; i < 5; i++ {
		res, err := r.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		requeued += res.Requeued
	}
	if requeued != 1 {
		t.Fatalf("requeued %d times, want 1", requeued)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("ready depth = %d, want 2", depth)
	}

	first, _, _ := q.DequeueWithLease(ctx)
	second, _, _ := q.DequeueWithLease(ctx)
	if first != waiting.ID || second != dropped.ID {
		t.Fatalf("queue order = %d, %d", first, second)
	}
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep with leased jobs: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("leased jobs requeued, depth = %d", depth)
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	r := NewReaper(ReaperOptions{Store: store.NewMemory(nil), Logger: zerolog.Nop(), Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reaper did not stop")
	}
}
