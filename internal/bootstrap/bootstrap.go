// Package bootstrap assembles the runtime components both binaries share.
package bootstrap

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"media-download-service/internal/config"
	"media-download-service/internal/lifecycle"
	"media-download-service/internal/provider"
	"media-download-service/internal/queue"
	"media-download-service/internal/storage"
	"media-download-service/internal/store"
)

// OpenStore connects the configured job store and runs migrations. The returned func
// releases it.
func OpenStore(ctx context.Context, cfg config.Config) (store.Repository, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(nil), func() {}, nil
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// OpenArtifacts builds the artifact store for ARTIFACT_BACKEND.
func OpenArtifacts(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.ArtifactBackend {
	case "local", "":
		return storage.NewFileStore(cfg.ArtifactDir)
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown ARTIFACT_BACKEND %q", cfg.ArtifactBackend)
	}
}

// NewProvider pairs the configured metadata source with the manifest converter.
func NewProvider(cfg config.Config, artifacts storage.Store) (provider.Provider, error) {
	seed := cfg.SimulationSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	conv := provider.NewManifestConverter(artifacts, rand.New(rand.NewSource(seed+1)), cfg.SimulationSpeed)

	switch cfg.MetadataProvider {
	case "simulated", "":
		meta := provider.NewSimulatedMetadata(rand.New(rand.NewSource(seed)), cfg.SimulatedFailureRate)
		return provider.Compose(meta, conv), nil
	case "youtube":
		return provider.Compose(provider.NewYouTubeMetadata(), conv), nil
	default:
		return nil, fmt.Errorf("unknown METADATA_PROVIDER %q", cfg.MetadataProvider)
	}
}

// NewEngine builds the lifecycle engine.
func NewEngine(cfg config.Config, repo store.Repository, prov provider.Provider, artifacts storage.Store, log zerolog.Logger) *lifecycle.Engine {
	return lifecycle.NewEngine(lifecycle.Options{
		Store:     repo,
		Provider:  prov,
		Artifacts: artifacts,
		Logger:    log,
		Timeout:   cfg.ProcessingTimeout,
	})
}

// NewReaper builds the stuck-job sweeper.
func NewReaper(cfg config.Config, repo store.Repository, q *queue.RedisQueue, log zerolog.Logger) *lifecycle.Reaper {
	return lifecycle.NewReaper(lifecycle.ReaperOptions{
		Store:        repo,
		Queue:        q,
		Logger:       log,
		Timeout:      cfg.ProcessingTimeout,
		PendingAfter: cfg.PendingRequeueAfter,
		Interval:     cfg.ReaperInterval,
	})
}

// WorkerID identifies this process in logs: WORKER_ID, else hostname, else pid.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
