package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	api "media-download-service/internal/api"
	"media-download-service/internal/bootstrap"
	"media-download-service/internal/config"
	"media-download-service/internal/downloads"
	"media-download-service/internal/logging"
	"media-download-service/internal/queue"
	"media-download-service/internal/ratelimit"
	workerproc "media-download-service/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	artifacts, err := bootstrap.OpenArtifacts(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open artifact storage")
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.QueuePrefix+":rl", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := downloads.NewService(downloads.Options{
		Store:      repo,
		Dispatcher: q,
		Artifacts:  artifacts,
		Logger:     logger,
	})
	server := api.New(api.Options{Service: svc, Limiter: limiter, Logger: logger})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.EmbeddedWorkers {
		prov, err := bootstrap.NewProvider(cfg, artifacts)
		if err != nil {
			logger.Fatal().Err(err).Msg("metadata provider")
		}
		engine := bootstrap.NewEngine(cfg, repo, prov, artifacts, logger)
		processor := workerproc.NewProcessorWithID(cfg, q, engine, logger, "api-embedded")
		reaper := bootstrap.NewReaper(cfg, repo, q, logger)
		g.Go(func() error { return processor.Run(gctx) })
		g.Go(func() error { return ignoreCanceled(reaper.Run(gctx)) })
		logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("embedded workers enabled")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api stopped")
		return
	}
	logger.Info().Msg("api stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
