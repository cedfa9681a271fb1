package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"media-download-service/internal/bootstrap"
	"media-download-service/internal/config"
	"media-download-service/internal/logging"
	"media-download-service/internal/queue"
	"media-download-service/internal/telemetry"
	workerproc "media-download-service/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.StoreDriver == "memory" {
		logger.Warn().Msg("memory store is per-process; a standalone worker will not see API jobs")
	}
	repo, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	artifacts, err := bootstrap.OpenArtifacts(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open artifact storage")
	}
	prov, err := bootstrap.NewProvider(cfg, artifacts)
	if err != nil {
		logger.Fatal().Err(err).Msg("metadata provider")
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	workerID := bootstrap.WorkerID()
	engine := bootstrap.NewEngine(cfg, repo, prov, artifacts, logger)
	processor := workerproc.NewProcessorWithID(cfg, q, engine, logger, workerID)
	reaper := bootstrap.NewReaper(cfg, repo, q, logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error {
		if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logger.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("processing_timeout", cfg.ProcessingTimeout).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("worker started")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		return
	}
	logger.Info().Msg("worker stopped")
}
