package listing_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/asset/assettest"
	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/failure"
	"github.com/dharsanguruparan/DigitalSaathi/internal/listing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mayaDraft() listing.Draft {
	return listing.Draft{
		ArtisanName: "Maya",
		ProductName: "Scarf",
		Description: "Hand-woven silk",
		Price:       "450",
		Contact:     "9999999999",
		Area:        "Jaipur",
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (n *recordingNotifier) ListingCreated(_ context.Context, collection, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, collection+"/"+id)
	return n.err
}

type failingStore struct {
	docstore.Store
	err error
}

func (f failingStore) Add(context.Context, string, any) (*docstore.Document, error) {
	return nil, f.err
}

type env struct {
	ctrl     *listing.Controller
	store    *docstore.MemoryStore
	uploader *upload.Fixed
	assets   *asset.Registry
	notifier *recordingNotifier
}

func newEnv(t *testing.T, opts listing.Options) *env {
	t.Helper()
	e := &env{
		store:    docstore.NewMemoryStore(),
		uploader: upload.NewFixed(0),
		assets:   assettest.NewRegistry(t),
		notifier: &recordingNotifier{},
	}
	e.ctrl = listing.New(listing.Deps{
		Uploader: e.uploader,
		Store:    e.store,
		Assets:   e.assets,
		Notifier: e.notifier,
	}, opts, zaptest.NewLogger(t))
	t.Cleanup(e.ctrl.Close)
	return e
}

func TestSubmitWithoutImage(t *testing.T) {
	e := newEnv(t, listing.Options{})
	require.NoError(t, e.ctrl.SetDraft(mayaDraft()))

	rec, err := e.ctrl.Submit(context.Background())
	require.NoError(t, err)

	docs := e.store.All("products")
	require.Len(t, docs, 1)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(docs[0].Data, &stored))
	assert.Equal(t, 450.0, stored["price"])
	assert.Equal(t, "Maya", stored["artisanName"])
	assert.Equal(t, "Jaipur", stored["area"])
	assert.NotContains(t, stored, "imageUrl")
	assert.False(t, docs[0].CreatedAt.IsZero())

	assert.True(t, strings.HasPrefix(rec.ArtisanID, "art_"))
	assert.Len(t, rec.ArtisanID, 12)
	assert.Equal(t, stored["artisanId"], rec.ArtisanID)
	assert.Equal(t, docs[0].ID, rec.ID)
	assert.Empty(t, e.uploader.Keys())

	state := e.ctrl.State()
	assert.Equal(t, listing.PhaseSucceeded, state.Phase)
	assert.Equal(t, listing.Draft{}, state.Draft)
	assert.Equal(t, failure.SuccessMessage, e.ctrl.Message())
	assert.Equal(t, []string{"products/" + rec.ID}, e.notifier.ids)
}

func TestSubmitValidation(t *testing.T) {
	cases := map[string]func(*listing.Draft){
		"missing name":   func(d *listing.Draft) { d.ArtisanName = " " },
		"missing area":   func(d *listing.Draft) { d.Area = "" },
		"price not num":  func(d *listing.Draft) { d.Price = "four fifty" },
		"negative price": func(d *listing.Draft) { d.Price = "-1" },
		"nan price":      func(d *listing.Draft) { d.Price = "NaN" },
		"inf price":      func(d *listing.Draft) { d.Price = "+Inf" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, listing.Options{})
			d := mayaDraft()
			mutate(&d)
			require.NoError(t, e.ctrl.SetDraft(d))
			_, err := e.ctrl.AttachImage(assettest.File(t, "scarf.png"))
			require.NoError(t, err)

			_, err = e.ctrl.Submit(context.Background())
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindValidation))

			state := e.ctrl.State()
			assert.Equal(t, listing.PhaseFailed, state.Phase)
			assert.Equal(t, d, state.Draft)
			assert.True(t, strings.HasPrefix(state.Message, "Please check the form: "))
			assert.Empty(t, e.store.All("products"))
			assert.Empty(t, e.uploader.Keys())
		})
	}
}

func TestDraftValidateAcceptsDecimals(t *testing.T) {
	d := mayaDraft()
	d.Price = " 0.5 "
	price, err := d.Validate()
	require.NoError(t, err)
	assert.Equal(t, 0.5, price)
}

func TestRequireImage(t *testing.T) {
	e := newEnv(t, listing.Options{RequireImage: true})
	require.NoError(t, e.ctrl.SetDraft(mayaDraft()))

	_, err := e.ctrl.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindValidation))
	assert.Empty(t, e.store.All("products"))

	_, err = e.ctrl.AttachImage(assettest.File(t, "scarf.png"))
	require.NoError(t, err)
	assert.Equal(t, listing.PhaseIdle, e.ctrl.State().Phase)

	rec, err := e.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upload.PlaceholderURL, rec.ImageURL)
	assert.Equal(t, []string{"products/" + rec.ArtisanID + "/scarf.png"}, e.uploader.Keys())

	docs := e.store.All("products")
	require.Len(t, docs, 1)
	stored, err := listing.FromDocument(docs[0])
	require.NoError(t, err)
	assert.Equal(t, upload.PlaceholderURL, stored.ImageURL)
	assert.Zero(t, e.assets.Live())
}

func TestUploadFailureStoresNothing(t *testing.T) {
	e := newEnv(t, listing.Options{})
	e.uploader.Err = errors.New("bucket unavailable")
	require.NoError(t, e.ctrl.SetDraft(mayaDraft()))
	_, err := e.ctrl.AttachImage(assettest.File(t, "scarf.png"))
	require.NoError(t, err)

	_, err = e.ctrl.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindUpload))
	assert.Empty(t, e.store.All("products"))
	assert.Empty(t, e.notifier.ids)

	state := e.ctrl.State()
	assert.Equal(t, listing.PhaseFailed, state.Phase)
	assert.Equal(t, "Upload failed: bucket unavailable", state.Message)
	assert.NotNil(t, state.Image)
	assert.Equal(t, 1, e.assets.Live())
}

func TestWriteFailure(t *testing.T) {
	assets := assettest.NewRegistry(t)
	ctrl := listing.New(listing.Deps{
		Uploader: upload.NewFixed(0),
		Store:    failingStore{err: errors.New("permission denied")},
		Assets:   assets,
	}, listing.Options{}, zaptest.NewLogger(t))
	defer ctrl.Close()
	require.NoError(t, ctrl.SetDraft(mayaDraft()))

	_, err := ctrl.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindWrite))
	assert.Equal(t, "Saving failed: permission denied", ctrl.Message())
}

// blockingUploader holds every upload until release is closed.
type blockingUploader struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingUploader) Upload(ctx context.Context, obj upload.Object) (string, error) {
	close(b.started)
	select {
	case <-b.release:
		return "https://cdn.example.com/" + obj.Key, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestWriteWaitsForUpload(t *testing.T) {
	store := docstore.NewMemoryStore()
	uploader := &blockingUploader{started: make(chan struct{}), release: make(chan struct{})}
	ctrl := listing.New(listing.Deps{
		Uploader: uploader,
		Store:    store,
		Assets:   assettest.NewRegistry(t),
	}, listing.Options{Collection: "catalog"}, zaptest.NewLogger(t))
	defer ctrl.Close()

	require.NoError(t, ctrl.SetDraft(mayaDraft()))
	_, err := ctrl.AttachImage(assettest.File(t, "scarf.png"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background())
		done <- err
	}()
	<-uploader.started

	assert.Equal(t, listing.PhaseSubmitting, ctrl.State().Phase)
	assert.Empty(t, store.All("catalog"))
	_, err = ctrl.AttachImage(assettest.File(t, "other.png"))
	assert.ErrorIs(t, err, listing.ErrBusy)
	assert.ErrorIs(t, ctrl.SetDraft(listing.Draft{}), listing.ErrBusy)

	close(uploader.release)
	require.NoError(t, <-done)

	docs := store.All("catalog")
	require.Len(t, docs, 1)
	rec, err := listing.FromDocument(docs[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.ImageURL, "https://cdn.example.com/products/art_"))
}

func TestNotifierErrorDoesNotFailSubmit(t *testing.T) {
	e := newEnv(t, listing.Options{})
	e.notifier.err = errors.New("redis down")
	require.NoError(t, e.ctrl.SetDraft(mayaDraft()))

	_, err := e.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.store.All("products"), 1)
	assert.Equal(t, listing.PhaseSucceeded, e.ctrl.State().Phase)
}

func TestResetReleasesImage(t *testing.T) {
	e := newEnv(t, listing.Options{})
	require.NoError(t, e.ctrl.SetDraft(mayaDraft()))
	_, err := e.ctrl.AttachImage(assettest.File(t, "a.png"))
	require.NoError(t, err)
	_, err = e.ctrl.AttachImage(assettest.File(t, "b.png"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.assets.Live())

	e.ctrl.Reset()
	e.ctrl.Reset()

	assert.Zero(t, e.assets.Live())
	assert.Equal(t, listing.State{Phase: listing.PhaseIdle}, e.ctrl.State())
}

func TestFromDocumentNil(t *testing.T) {
	_, err := listing.FromDocument(nil)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestResetDuringSubmitKeepsFormBusy(t *testing.T) {
	store := docstore.NewMemoryStore()
	uploader := &blockingUploader{started: make(chan struct{}), release: make(chan struct{})}
	ctrl := listing.New(listing.Deps{
		Uploader: uploader,
		Store:    store,
		Assets:   assettest.NewRegistry(t),
	}, listing.Options{}, zaptest.NewLogger(t))
	defer ctrl.Close()

	require.NoError(t, ctrl.SetDraft(mayaDraft()))
	_, err := ctrl.AttachImage(assettest.File(t, "scarf.png"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background())
		done <- err
	}()
	<-uploader.started

	ctrl.Reset()
	assert.Equal(t, listing.PhaseIdle, ctrl.State().Phase)
	assert.ErrorIs(t, ctrl.SetDraft(mayaDraft()), listing.ErrBusy)
	_, err = ctrl.AttachImage(assettest.File(t, "other.png"))
	assert.ErrorIs(t, err, listing.ErrBusy)
	_, err = ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, listing.ErrBusy)

	close(uploader.release)
	require.NoError(t, <-done)
	assert.Len(t, store.All("products"), 1)
	assert.Equal(t, listing.PhaseIdle, ctrl.State().Phase)
	assert.NoError(t, ctrl.SetDraft(mayaDraft()))
}
