// Package viewer keeps a read-only projection of the most recent listing.
package viewer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/listing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
)

// Viewer tracks the latest listing of one collection.
type Viewer struct {
	logger *zap.Logger
	sub    docstore.Subscription

	mu     sync.RWMutex
	latest *model.ListingRecord
}

// Watch subscribes to collection. onChange, when non-nil, is called with
// every newly observed latest listing (nil while the collection is empty).
// Callers must Close the viewer on teardown.
func Watch(ctx context.Context, store docstore.Store, collection string, logger *zap.Logger, onChange func(*model.ListingRecord)) (*Viewer, error) {
	v := &Viewer{logger: logging.OrNop(logger).With(zap.String("collection", collection))}
	sub, err := store.SubscribeLatest(ctx, collection, func(doc *docstore.Document) {
		var rec *model.ListingRecord
		if doc != nil {
			decoded, err := listing.FromDocument(doc)
			if err != nil {
				v.logger.Warn("skipping undecodable listing", zap.String("id", doc.ID), zap.Error(err))
				return
			}
			rec = decoded
		}
		v.mu.Lock()
		v.latest = rec
		v.mu.Unlock()
		if rec != nil {
			v.logger.Debug("latest listing", zap.String("id", rec.ID), zap.String("product", rec.ProductName))
		}
		if onChange != nil {
			onChange(rec)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}
	v.sub = sub
	return v, nil
}

// Latest returns the most recent listing seen, or nil if none yet.
func (v *Viewer) Latest() *model.ListingRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.latest == nil {
		return nil
	}
	rec := *v.latest
	return &rec
}

// Close ends the subscription. No callback runs after Close returns.
func (v *Viewer) Close() error {
	return v.sub.Close()
}
