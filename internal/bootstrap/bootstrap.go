// Package bootstrap builds the configured backends shared by the server,
// worker and CLI binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/analysis"
	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/database"
	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/listing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/queue"
	"github.com/dharsanguruparan/DigitalSaathi/internal/repository"
	"github.com/dharsanguruparan/DigitalSaathi/internal/s3storage"
	"github.com/dharsanguruparan/DigitalSaathi/internal/signing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
)

// Services holds every backend a binary may need. Close releases them.
type Services struct {
	Assets   *asset.Registry
	Uploader upload.Uploader
	Analyzer analysis.Analyzer
	Store    docstore.Store
	Notifier listing.Notifier

	closers []func()
}

// Close releases the services in reverse construction order.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Build constructs the services selected by cfg. On error everything built
// so far is released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Services, error) {
	svc := &Services{}
	fail := func(err error) (*Services, error) {
		svc.Close()
		return nil, err
	}

	assets, err := NewAssets(cfg, logger)
	if err != nil {
		return fail(err)
	}
	svc.Assets = assets
	svc.closers = append(svc.closers, assets.Close)

	if svc.Uploader, err = NewUploader(ctx, cfg, logger); err != nil {
		return fail(err)
	}
	if svc.Analyzer, err = NewAnalyzer(ctx, cfg, logger); err != nil {
		return fail(err)
	}
	store, closeStore, err := NewStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	svc.Store = store
	svc.closers = append(svc.closers, closeStore)

	if cfg.EnableCaptionQueue {
		client := asynq.NewClient(RedisOpt(cfg))
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		svc.Notifier = queue.NewNotifier(client)
	}
	return svc, nil
}

// NewAssets creates the preview registry.
func NewAssets(cfg *config.Config, logger *zap.Logger) (*asset.Registry, error) {
	return asset.NewRegistry(asset.Options{
		Dir:          cfg.PreviewDir,
		MaxFileSize:  cfg.MaxFileSize,
		AllowedTypes: cfg.AllowedTypes,
		TTL:          cfg.PreviewTTL,
	}, signing.NewSigner(cfg.SigningSecret), logger)
}

// NewUploader returns the fixed stand-in or the S3 uploader.
func NewUploader(ctx context.Context, cfg *config.Config, logger *zap.Logger) (upload.Uploader, error) {
	switch cfg.UploadBackend {
	case config.BackendFixed:
		return upload.NewFixed(cfg.UploadDelay), nil
	case config.BackendS3:
		store, err := s3storage.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.UploadBackend)
	}
}

// NewAnalyzer returns the fixed stand-in or the Gemini analyzer.
func NewAnalyzer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (analysis.Analyzer, error) {
	switch cfg.AnalysisBackend {
	case config.BackendFixed:
		return analysis.NewFixed(cfg.AnalysisDelay), nil
	case config.BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY is required for the gemini analysis backend")
		}
		g, err := analysis.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown analysis backend %q", cfg.AnalysisBackend)
	}
}

// NewStore returns the document store and a func releasing it. The postgres
// backend is migrated before use.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return docstore.NewMemoryStore(), func() {}, nil
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := database.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		return repository.NewDocumentRepository(pool, logger), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// RedisOpt is the asynq connection for the caption queue.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}
