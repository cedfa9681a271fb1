package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-download-service/internal/extract"
	"media-download-service/internal/models"
	"media-download-service/internal/storage"
)

// latencyRange is the simulated conversion time for a format, before speed scaling.
type latencyRange struct{ min, max time.Duration }

var conversionLatency = map[models.Format]latencyRange{
	models.FormatMP3: {5 * time.Second, 15 * time.Second},
	models.FormatWAV: {10 * time.Second, 25 * time.Second},
	models.FormatMP4: {15 * time.Second, 30 * time.Second},
}

// manifest is the document stored in place of real media.
type manifest struct {
	JobID              int64     `json:"job_id"`
	ContentID          string    `json:"content_id"`
	SourceURL          string    `json:"source_url"`
	Format             string    `json:"format"`
	Kind               string    `json:"kind"`
	Conversion         string    `json:"conversion"`
	Title              string    `json:"title"`
	DurationSeconds    int       `json:"duration_seconds"`
	EstimatedSizeBytes int64     `json:"estimated_size_bytes"`
	ContentType        string    `json:"content_type"`
	CreatedAt          time.Time `json:"created_at"`
}

// ManifestConverter simulates conversion latency and stores a JSON manifest describing the
// output under downloads/<slug>_<uuid>.<ext>.
type ManifestConverter struct {
	store storage.Store
	speed float64
	now   func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewManifestConverter scales simulated latency by speed; zero or negative speed skips waiting.
func NewManifestConverter(store storage.Store, rng *rand.Rand, speed float64) *ManifestConverter {
	return &ManifestConverter{store: store, rng: rng, speed: speed, now: time.Now}
}

func (m *ManifestConverter) Convert(ctx context.Context, req ConvertRequest) (Artifact, error) {
	if !req.Format.Valid() {
		return Artifact{}, fmt.Errorf("unsupported format %q", req.Format)
	}
	if err := m.wait(ctx, req.Format); err != nil {
		return Artifact{}, err
	}

	doc := manifest{
		JobID:              req.JobID,
		ContentID:          req.ContentID,
		SourceURL:          extract.Canonical(req.ContentID),
		Format:             string(req.Format),
		Kind:               req.Format.Kind(),
		Conversion:         req.Format.ConversionName(),
		Title:              req.Title,
		DurationSeconds:    req.DurationSeconds,
		EstimatedSizeBytes: req.Format.EstimateSize(req.DurationSeconds),
		ContentType:        req.Format.ContentType(),
		CreatedAt:          m.now().UTC(),
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("encode manifest: %w", err)
	}

	key := ArtifactKey(req.Title, req.Format, uuid.NewString())
	ref, err := m.store.Put(ctx, key, body, "application/json")
	if err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	return Artifact{Ref: ref}, nil
}

func (m *ManifestConverter) wait(ctx context.Context, format models.Format) error {
	if m.speed <= 0 {
		return ctx.Err()
	}
	r := conversionLatency[format]
	m.mu.Lock()
	d := r.min + time.Duration(m.rng.Int63n(int64(r.max-r.min)+1))
	m.mu.Unlock()
	d = time.Duration(float64(d) * m.speed)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ArtifactKey builds the storage key for a finished download.
func ArtifactKey(title string, format models.Format, id string) string {
	return fmt.Sprintf("downloads/%s_%s.%s", Slug(title), id, format)
}
