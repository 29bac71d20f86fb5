package viewer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/viewer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatchFollowsLatestListing(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()

	seen := make(chan *model.ListingRecord, 8)
	v, err := viewer.Watch(ctx, store, "products", zaptest.NewLogger(t), func(rec *model.ListingRecord) {
		seen <- rec
	})
	require.NoError(t, err)
	defer v.Close()

	select {
	case rec := <-seen:
		assert.Nil(t, rec)
	case <-time.After(time.Second):
		t.Fatal("no initial callback")
	}
	assert.Nil(t, v.Latest())

	_, err = store.Add(ctx, "products", model.ListingRecord{ArtisanID: "art_1", ProductName: "Scarf", Price: 450})
	require.NoError(t, err)
	doc, err := store.Add(ctx, "products", model.ListingRecord{ArtisanID: "art_2", ProductName: "Vase", Price: 1200})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := v.Latest()
		return rec != nil && rec.ID == doc.ID
	}, time.Second, 5*time.Millisecond)

	rec := v.Latest()
	assert.Equal(t, "Vase", rec.ProductName)
	assert.Equal(t, 1200.0, rec.Price)
	assert.Equal(t, doc.CreatedAt, rec.CreatedAt)
}

func TestWatchIgnoresOtherCollections(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	_, err := store.Add(ctx, "products", model.ListingRecord{ProductName: "Scarf"})
	require.NoError(t, err)

	v, err := viewer.Watch(ctx, store, "products", zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, func() bool { return v.Latest() != nil }, time.Second, 5*time.Millisecond)

	_, err = store.Add(ctx, "listing_posts", model.ListingPost{Caption: "hello"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "Scarf", v.Latest().ProductName)
}

func TestNoCallbackAfterClose(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()

	calls := make(chan struct{}, 8)
	v, err := viewer.Watch(ctx, store, "products", zaptest.NewLogger(t), func(*model.ListingRecord) {
		calls <- struct{}{}
	})
	require.NoError(t, err)
	<-calls
	require.NoError(t, v.Close())

	_, err = store.Add(ctx, "products", model.ListingRecord{ProductName: "Late"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, calls)
	assert.Nil(t, v.Latest())
}
