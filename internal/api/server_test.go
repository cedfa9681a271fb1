package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-download-service/internal/downloads"
	"media-download-service/internal/queue"
	"media-download-service/internal/ratelimit"
	"media-download-service/internal/store"
)

type testEnv struct {
	handler http.Handler
	queue   *queue.RedisQueue
	store   *store.Memory
}

func newTestEnv(t *testing.T, limiterCapacity int) testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewMemory(nil)
	q := queue.NewRedisQueueWithClient(client, "test", time.Minute)
	svc := downloads.NewService(downloads.Options{Store: st, Dispatcher: q, Logger: zerolog.Nop()})

	opts := Options{
		Service: svc,
		Logger:  zerolog.Nop(),
		Clock:   func() time.Time { return time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC) },
	}
	if limiterCapacity > 0 {
		opts.Limiter = ratelimit.NewTokenBucket(client, "rl", limiterCapacity, 0.001, time.Minute)
	}
	return testEnv{handler: New(opts).Router(), queue: q, store: st}
}

func (e testEnv) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type submitBody struct {
	Download struct {
		ID            int64  `json:"id"`
		Status        string `json:"status"`
		Format        string `json:"format"`
		FormattedSize string `json:"formatted_size"`
	} `json:"download"`
	Created bool   `json:"created"`
	Message string `json:"message"`
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)
	for _, path := range []string{"/healthz", "/health-check"} {
		rec := env.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, rec.Code)
		}
		var body map[string]string
		decode(t, rec, &body)
		if body["status"] != "ok" || body["timestamp"] != "2025-07-01T08:30:00Z" {
			t.Fatalf("%s body %v", path, body)
		}
	}
}

func TestSubmitJSON(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ","format":"mp3"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var first submitBody
	decode(t, rec, &first)
	if !first.Created || first.Download.Status != "pending" || first.Download.Format != "mp3" || first.Message != msgStarted {
		t.Fatalf("body %+v", first)
	}
	if loc := rec.Header().Get("Location"); loc != "/downloads/1" {
		t.Fatalf("location %q", loc)
	}
	if depth, _ := env.queue.ReadyDepth(context.Background()); depth != 1 {
		t.Fatalf("queue depth %d", depth)
	}

	rec = env.do(t, http.MethodPost, "/downloads", "application/json; charset=utf-8", `{"youtube_url":"https://youtu.be/dQw4w9WgXcQ","format":"audio-compressed"}`)
	var again submitBody
	decode(t, rec, &again)
	if again.Created || again.Download.ID != first.Download.ID || again.Message != msgExisting {
		t.Fatalf("duplicate body %+v", again)
	}
	if depth, _ := env.queue.ReadyDepth(context.Background()); depth != 1 {
		t.Fatalf("duplicate enqueued, depth %d", depth)
	}
}

func TestSubmitForm(t *testing.T) {
	env := newTestEnv(t, 0)
	form := url.Values{"youtube_url": {"https://youtu.be/abc"}, "format": {"wav"}}
	rec := env.do(t, http.MethodPost, "/downloads", "application/x-www-form-urlencoded", form.Encode())
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/downloads/1?started=1" {
		t.Fatalf("location %q", loc)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://vimeo.com/1","format":"flac"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Errors map[string]string `json:"errors"`
	}
	decode(t, rec, &body)
	if body.Errors["url"] != downloads.MsgURLInvalid || body.Errors["format"] != downloads.MsgFormatInvalid {
		t.Fatalf("errors %v", body.Errors)
	}
	if jobs, _ := env.store.List(context.Background()); len(jobs) != 0 {
		t.Fatalf("validation failure created jobs: %v", jobs)
	}

	rec = env.do(t, http.MethodPost, "/downloads", "application/json", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status %d", rec.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	body := `{"url":"https://youtu.be/abc","format":"mp3"}`
	if rec := env.do(t, http.MethodPost, "/downloads", "application/json", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/downloads", "application/json", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status %d, want 429", rec.Code)
	}
}

func TestGetAndDelete(t *testing.T) {
	env := newTestEnv(t, 0)
	if rec := env.do(t, http.MethodGet, "/downloads/1", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/downloads/abc", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("non-numeric status %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://youtu.be/abc","format":"mp4"}`)
	rec := env.do(t, http.MethodGet, "/downloads/1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var got submitBody
	decode(t, rec, &got)
	if got.Download.ID != 1 || got.Download.FormattedSize != "Unknown" {
		t.Fatalf("get body %+v", got)
	}

	rec = env.do(t, http.MethodDelete, "/downloads/1", "", "")
	var del map[string]any
	decode(t, rec, &del)
	if rec.Code != http.StatusOK || del["deleted"] != true {
		t.Fatalf("delete %d %v", rec.Code, del)
	}
	if depth, _ := env.queue.ReadyDepth(context.Background()); depth != 0 {
		t.Fatalf("deleted job still queued, depth %d", depth)
	}
	rec = env.do(t, http.MethodDelete, "/downloads/1", "", "")
	decode(t, rec, &del)
	if rec.Code != http.StatusOK || del["deleted"] != false {
		t.Fatalf("second delete %d %v", rec.Code, del)
	}
}

func TestStatusCheck(t *testing.T) {
	env := newTestEnv(t, 0)
	env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://youtu.be/aaa","format":"mp3"}`)
	env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://youtu.be/bbb","format":"mp3"}`)

	rec := env.do(t, http.MethodGet, "/downloads/status/check", "", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"downloads":[]}` {
		t.Fatalf("empty check %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/downloads/status/check?ids=2,999&ids[]=1&ids=x", "", "")
	var body struct {
		Downloads []struct {
			ID       int64  `json:"id"`
			Status   string `json:"status"`
			FileSize string `json:"file_size"`
			Duration string `json:"duration"`
		} `json:"downloads"`
	}
	decode(t, rec, &body)
	if len(body.Downloads) != 2 || body.Downloads[0].ID != 1 || body.Downloads[1].ID != 2 {
		t.Fatalf("check body %+v", body)
	}
	if body.Downloads[0].Status != "pending" || body.Downloads[0].Duration != "Unknown" {
		t.Fatalf("snapshot %+v", body.Downloads[0])
	}
}

func TestListFilter(t *testing.T) {
	env := newTestEnv(t, 0)
	env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://youtu.be/aaa","format":"mp3"}`)
	env.do(t, http.MethodPost, "/downloads", "application/json", `{"url":"https://youtu.be/bbb","format":"mp3"}`)

	var body struct {
		Downloads []struct {
			ID int64 `json:"id"`
		} `json:"downloads"`
	}
	rec := env.do(t, http.MethodGet, "/downloads", "", "")
	decode(t, rec, &body)
	if len(body.Downloads) != 2 || body.Downloads[0].ID != 2 {
		t.Fatalf("list %+v", body)
	}

	rec = env.do(t, http.MethodGet, "/downloads?status=completed", "", "")
	decode(t, rec, &body)
	if len(body.Downloads) != 0 {
		t.Fatalf("completed list %+v", body)
	}

	if rec := env.do(t, http.MethodGet, "/downloads?status=nope", "", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad filter status %d", rec.Code)
	}
}
