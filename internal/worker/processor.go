package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/analysis"
	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/listing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store           docstore.Store
	analyzer        analysis.Analyzer
	postsCollection string
	logger          *zap.Logger
}

// NewProcessor constructs a worker processor that writes captions to
// postsCollection.
func NewProcessor(store docstore.Store, analyzer analysis.Analyzer, postsCollection string, logger *zap.Logger) *Processor {
	return &Processor{
		store:           store,
		analyzer:        analyzer,
		postsCollection: postsCollection,
		logger:          logging.OrNop(logger),
	}
}

// Handler registers the caption job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.CaptionListingTask, p.HandleCaption)
	return mux
}

// HandleCaption captions one stored listing. Listings without an image are
// skipped.
func (p *Processor) HandleCaption(ctx context.Context, task *asynq.Task) error {
	var payload queue.CaptionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	logger := p.logger.With(zap.String("listing", payload.DocumentID), zap.String("collection", payload.Collection))
	fail := func(err error) error {
		logger.Error("caption failed", zap.Error(err))
		return err
	}

	doc, err := p.store.Get(ctx, payload.Collection, payload.DocumentID)
	if err != nil {
		return fail(fmt.Errorf("load listing: %w", err))
	}
	rec, err := listing.FromDocument(doc)
	if err != nil {
		return fail(err)
	}
	if rec.ImageURL == "" {
		logger.Info("listing has no image, skipping caption")
		return nil
	}
	resp, err := p.analyzer.Analyze(ctx, analysis.ListingRequest(rec.ProductName, rec.Description, rec.ImageURL))
	if err != nil {
		return fail(fmt.Errorf("analyze listing: %w", err))
	}
	post, err := resp.Post()
	if err != nil {
		return fail(err)
	}
	saved, err := p.store.Add(ctx, p.postsCollection, model.ListingPost{
		ListingID:  rec.ID,
		ArtisanID:  rec.ArtisanID,
		ImageURL:   rec.ImageURL,
		Caption:    post.Caption,
		Hashtags:   post.Hashtags,
		Mood:       post.Mood,
		Suggestion: post.Suggestion,
	})
	if err != nil {
		return fail(fmt.Errorf("save caption: %w", err))
	}
	logger.Info("listing captioned", zap.String("post", saved.ID), zap.Int("hashtags", len(post.Hashtags)))
	return nil
}
