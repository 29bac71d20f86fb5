// Package main is the entry point for the Digital Saathi HTTP server: the
// listing form, the post generator and the latest-listing view.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/api"
	"github.com/dharsanguruparan/DigitalSaathi/internal/bootstrap"
	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/viewer"
)

func main() {
	// Step 1: load configuration from the environment (and .env if present).
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	// Step 2: cancel everything on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 3: construct the configured backends and the latest-listing view.
	svc, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init services", zap.Error(err))
	}
	defer svc.Close()

	latest, err := viewer.Watch(ctx, svc.Store, cfg.ListingCollection, logger, func(rec *model.ListingRecord) {
		if rec != nil {
			logger.Info("latest listing changed", zap.String("id", rec.ID), zap.String("product", rec.ProductName), zap.String("artisan", rec.ArtisanName))
		}
	})
	if err != nil {
		logger.Fatal("watch listings", zap.Error(err))
	}
	defer latest.Close()

	srv := api.New(cfg, api.Deps{
		Assets:   svc.Assets,
		Uploader: svc.Uploader,
		Analyzer: svc.Analyzer,
		Store:    svc.Store,
		Notifier: svc.Notifier,
		Viewer:   latest,
	}, logger)
	defer srv.Close()

	// Step 4: block until the HTTP server exits.
	logger.Info("digital saathi starting",
		zap.String("store", cfg.StoreBackend),
		zap.String("upload", cfg.UploadBackend),
		zap.String("analysis", cfg.AnalysisBackend),
		zap.Bool("requireImage", cfg.RequireImage),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
