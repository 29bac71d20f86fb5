package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/bootstrap"
	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("memory store is process-local; listings written by the server are not visible here")
	}
	store, closeStore, err := bootstrap.NewStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init store", zap.Error(err))
	}
	defer closeStore()
	analyzer, err := bootstrap.NewAnalyzer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init analyzer", zap.Error(err))
	}

	server := asynq.NewServer(bootstrap.RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger.Sugar(),
	})
	processor := worker.NewProcessor(store, analyzer, cfg.PostsCollection, logger)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("caption worker starting", zap.Int("concurrency", cfg.WorkerConcurrency), zap.String("posts", cfg.PostsCollection))
	if err := server.Run(mux); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
