// Package listing implements the artisan product form: a draft of six text
// fields plus an optional image, validated locally and stored as one
// document after the image upload has resolved.
package listing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/failure"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
)

// Phase enumerates the submission lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

var (
	ErrBusy   = errors.New("submission in progress")
	ErrClosed = errors.New("listing form closed")
)

// Draft holds the form exactly as typed.
type Draft struct {
	ArtisanName string `json:"artisanName"`
	ProductName string `json:"productName"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Contact     string `json:"contact"`
	Area        string `json:"area"`
}

// Validate checks that every field is filled in and that Price is a finite,
// non-negative number, returning the parsed price.
func (d Draft) Validate() (float64, error) {
	fields := []struct{ name, value string }{
		{"artisan name", d.ArtisanName},
		{"product name", d.ProductName},
		{"description", d.Description},
		{"price", d.Price},
		{"contact", d.Contact},
		{"area", d.Area},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return 0, failure.Validation("%s required", strings.Join(missing, ", "))
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(d.Price), 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, failure.Validation("price %q is not a number", d.Price)
	}
	if price < 0 {
		return 0, failure.Validation("price must not be negative")
	}
	return price, nil
}

// Notifier is told about every stored listing.
type Notifier interface {
	ListingCreated(ctx context.Context, collection, documentID string) error
}

// State is a snapshot of the form.
type State struct {
	Phase Phase             `json:"phase"`
	Draft Draft             `json:"draft"`
	Image *asset.ImageAsset `json:"image,omitempty"`
	// Listing is the stored record after PhaseSucceeded.
	Listing *model.ListingRecord `json:"listing,omitempty"`
	Err     error                `json:"-"`
	Reason  failure.Kind         `json:"reason,omitempty"`
	Message string               `json:"message,omitempty"`
}

// Deps are the collaborators injected at construction. Notifier may be nil.
type Deps struct {
	Uploader upload.Uploader
	Store    docstore.Store
	Assets   *asset.Registry
	Notifier Notifier
}

// Options configure the submission policy.
type Options struct {
	Collection string
	// RequireImage rejects submissions without an attached image.
	RequireImage bool
	UploadPrefix string
}

// Controller owns one form and at most one pending image.
type Controller struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	run    uint64
	closed bool
	// inflight stays set until Submit returns, even if Reset cleared state.
	inflight bool
}

// New builds a Controller with an empty draft.
func New(deps Deps, opts Options, logger *zap.Logger) *Controller {
	if opts.Collection == "" {
		opts.Collection = "products"
	}
	if opts.UploadPrefix == "" {
		opts.UploadPrefix = "products"
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: logging.OrNop(logger),
		state:  State{Phase: PhaseIdle},
	}
}

// NewArtisanID returns a short opaque grouping token such as art_1a2b3c4d.
// Collisions are possible but rare at this scale.
func NewArtisanID() string {
	return "art_" + uuid.NewString()[:8]
}

// State returns a snapshot of the form.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Message is the single line shown to the user after the last submission.
func (c *Controller) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Message
}

// SetDraft replaces the draft. Editing after a terminal state clears the
// previous outcome.
func (c *Controller) SetDraft(d Draft) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	c.state.Draft = d
	c.clearOutcomeLocked()
	return nil
}

// AttachImage selects the product image, replacing and releasing any image
// attached before.
func (c *Controller) AttachImage(file asset.File) (*asset.ImageAsset, error) {
	a, err := c.deps.Assets.Create(file)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		c.deps.Assets.Release(a)
		return nil, err
	}
	old := c.state.Image
	c.state.Image = a
	c.clearOutcomeLocked()
	c.mu.Unlock()
	c.deps.Assets.Release(old)
	return a, nil
}

// DetachImage drops the attached image, if any.
func (c *Controller) DetachImage() error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	old := c.state.Image
	c.state.Image = nil
	c.mu.Unlock()
	c.deps.Assets.Release(old)
	return nil
}

func (c *Controller) editableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.inflight {
		return ErrBusy
	}
	return nil
}

func (c *Controller) clearOutcomeLocked() {
	if c.state.Phase == PhaseSucceeded || c.state.Phase == PhaseFailed {
		c.state.Phase = PhaseIdle
	}
	c.state.Listing = nil
	c.state.Err = nil
	c.state.Reason = failure.KindNone
	c.state.Message = ""
}

// Submit validates the draft, uploads the attached image and then writes the
// listing. Nothing remote is touched when validation fails, and no record is
// written unless the upload succeeded. On success the form is cleared.
func (c *Controller) Submit(ctx context.Context) (*model.ListingRecord, error) {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	draft, img := c.state.Draft, c.state.Image
	price, err := draft.Validate()
	if err == nil && c.opts.RequireImage && img == nil {
		err = failure.Validation("product image required")
	}
	if err != nil {
		c.setFailedLocked(err)
		c.mu.Unlock()
		return nil, err
	}
	c.run++
	run := c.run
	c.clearOutcomeLocked()
	c.state.Phase = PhaseSubmitting
	c.inflight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight = false
		c.mu.Unlock()
	}()

	rec := model.ListingRecord{
		ArtisanID:   NewArtisanID(),
		ArtisanName: strings.TrimSpace(draft.ArtisanName),
		ProductName: strings.TrimSpace(draft.ProductName),
		Description: strings.TrimSpace(draft.Description),
		Price:       price,
		Contact:     strings.TrimSpace(draft.Contact),
		Area:        strings.TrimSpace(draft.Area),
	}
	logger := c.logger.With(zap.String("artisan", rec.ArtisanID))

	if img != nil {
		url, err := c.upload(ctx, rec.ArtisanID, img)
		if err != nil {
			logger.Warn("listing image upload failed", zap.Error(err))
			return nil, c.fail(run, failure.Upload(err))
		}
		rec.ImageURL = url
	}

	doc, err := c.deps.Store.Add(ctx, c.opts.Collection, rec)
	if err != nil {
		// An uploaded image stays in the bucket without a record.
		logger.Warn("listing write failed", zap.Error(err), zap.String("image", rec.ImageURL))
		return nil, c.fail(run, failure.Write(err))
	}
	rec.ID = doc.ID
	rec.CreatedAt = doc.CreatedAt
	logger.Info("listing saved", zap.String("id", doc.ID), zap.String("collection", c.opts.Collection))

	if c.deps.Notifier != nil {
		if err := c.deps.Notifier.ListingCreated(ctx, c.opts.Collection, doc.ID); err != nil {
			logger.Warn("listing notification failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	if run != c.run {
		c.mu.Unlock()
		return &rec, nil
	}
	old := c.state.Image
	c.state = State{Phase: PhaseSucceeded, Listing: &rec, Message: failure.SuccessMessage}
	c.mu.Unlock()
	c.deps.Assets.Release(old)
	return &rec, nil
}

func (c *Controller) upload(ctx context.Context, artisanID string, img *asset.ImageAsset) (string, error) {
	body, err := c.deps.Assets.Open(img)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return c.deps.Uploader.Upload(ctx, upload.Object{
		Key:         upload.ObjectKey(c.opts.UploadPrefix, artisanID, img.Name),
		Body:        body,
		Size:        img.Size,
		ContentType: img.ContentType,
	})
}

func (c *Controller) fail(run uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run == c.run {
		c.setFailedLocked(err)
	}
	return err
}

func (c *Controller) setFailedLocked(err error) {
	c.state.Phase = PhaseFailed
	c.state.Listing = nil
	c.state.Err = err
	c.state.Reason = failure.KindOf(err)
	c.state.Message = failure.Message(err)
}

// Reset clears the draft and releases the attached image. A submission in
// flight still completes but no longer updates the form, and the form stays
// busy until it returns.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.run++
	old := c.state.Image
	c.state = State{Phase: PhaseIdle}
	c.mu.Unlock()
	c.deps.Assets.Release(old)
}

// Close resets the form and rejects further edits.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Reset()
}

// FromDocument decodes a stored listing and fills in the store-assigned
// id and timestamp.
func FromDocument(doc *docstore.Document) (*model.ListingRecord, error) {
	if doc == nil {
		return nil, fmt.Errorf("decode listing: %w", docstore.ErrNotFound)
	}
	var rec model.ListingRecord
	if err := doc.Decode(&rec); err != nil {
		return nil, err
	}
	rec.ID = doc.ID
	rec.CreatedAt = doc.CreatedAt
	return &rec, nil
}
