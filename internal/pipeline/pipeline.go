// Package pipeline implements the post generator: select an image, upload it,
// ask the analysis service for a caption, then copy or share the result.
//
// Every run is tagged with the asset it was started for. Selecting another
// image or resetting cancels the run and bumps the tag, so a late result from
// a superseded run is dropped instead of overwriting newer state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/analysis"
	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/failure"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
)

// Phase enumerates the generator lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseUploading Phase = "uploading"
	PhaseAnalyzing Phase = "analyzing"
	PhaseReady     Phase = "ready"
	PhaseFailed    Phase = "failed"
)

var (
	ErrNoImage    = errors.New("no image selected")
	ErrBusy       = errors.New("generation already in progress")
	ErrNotReady   = errors.New("no generated post yet")
	ErrSuperseded = errors.New("image replaced while generating")
	ErrClosed     = errors.New("generator closed")
)

// Clipboard receives the post text on copy.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// Opener launches share targets.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// State is a snapshot of one generator.
type State struct {
	Phase          Phase                `json:"phase"`
	Asset          *asset.ImageAsset    `json:"asset,omitempty"`
	UploadProgress float64              `json:"uploadProgress,omitempty"`
	UploadedURL    string               `json:"uploadedUrl,omitempty"`
	Post           *model.GeneratedPost `json:"post,omitempty"`
	// Err is set in PhaseFailed; Reason tells upload and analysis apart.
	Err       error        `json:"-"`
	Reason    failure.Kind `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
	Copied    bool         `json:"copied,omitempty"`
	CopyError string       `json:"copyError,omitempty"`
}

// Deps are the collaborators injected at construction.
type Deps struct {
	Uploader  upload.Uploader
	Analyzer  analysis.Analyzer
	Assets    *asset.Registry
	Clipboard Clipboard
	Opener    Opener
}

// Options tune the generator.
type Options struct {
	// UploadPrefix is the object key prefix for uploaded images.
	UploadPrefix       string
	ShareAppURL        string
	ShareWebURL        string
	ShareFallbackDelay time.Duration
}

// Controller owns one generator instance and at most one active ImageAsset.
type Controller struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	run    uint64
	cancel context.CancelFunc
	// uploadedFor/uploadedURL remember the reference of the active asset so
	// a failed analysis can be retried without uploading again.
	uploadedFor string
	uploadedURL string
	closed      bool

	bg       context.Context
	bgCancel context.CancelFunc
	shares   sync.WaitGroup
}

// New builds a Controller in PhaseIdle.
func New(deps Deps, opts Options, logger *zap.Logger) *Controller {
	if opts.UploadPrefix == "" {
		opts.UploadPrefix = "posts"
	}
	if opts.ShareAppURL == "" {
		opts.ShareAppURL = "instagram://camera"
	}
	if opts.ShareWebURL == "" {
		opts.ShareWebURL = "https://www.instagram.com/"
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:     deps,
		opts:     opts,
		logger:   logging.OrNop(logger),
		state:    State{Phase: PhaseIdle},
		bg:       bg,
		bgCancel: cancel,
	}
}

// State returns a snapshot of the current state.
// The post is copied so callers cannot alter the controller's result.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.Post = st.Post.Clone()
	return st
}

// SelectImage makes file the active asset, cancelling any in-flight run and
// releasing the previous preview. An unusable file leaves state untouched.
func (c *Controller) SelectImage(file asset.File) (*asset.ImageAsset, error) {
	a, err := c.deps.Assets.Create(file)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deps.Assets.Release(a)
		return nil, ErrClosed
	}
	old := c.supersedeLocked()
	c.state = State{Phase: PhaseIdle, Asset: a}
	c.mu.Unlock()

	c.deps.Assets.Release(old)
	c.logger.Info("image selected", zap.String("asset", a.ID), zap.String("name", a.Name), zap.Int64("bytes", a.Size))
	return a, nil
}

// supersedeLocked invalidates the in-flight run and forgets the active asset,
// returning it so the caller can release it outside the lock.
func (c *Controller) supersedeLocked() *asset.ImageAsset {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.run++
	c.uploadedFor, c.uploadedURL = "", ""
	return c.state.Asset
}

// Generate runs upload then analysis for the active asset and blocks until
// the run ends. Failures move the generator to PhaseFailed and are returned;
// nothing is retried automatically. If the asset was already uploaded by an
// earlier run the upload is skipped and the run starts in PhaseAnalyzing.
func (c *Controller) Generate(ctx context.Context) error {
	run, err := c.Start(ctx)
	if err != nil {
		return err
	}
	return run()
}

// Start claims the generator for a new run and returns the function that
// performs it. ErrNoImage and ErrBusy are reported here, before any work
// begins; the returned function must be called exactly once, typically on
// another goroutine.
func (c *Controller) Start(ctx context.Context) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	a := c.state.Asset
	if a == nil {
		return nil, ErrNoImage
	}
	if c.state.Phase == PhaseUploading || c.state.Phase == PhaseAnalyzing {
		return nil, ErrBusy
	}
	c.run++
	run := c.run
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	url := ""
	if c.uploadedFor == a.ID {
		url = c.uploadedURL
	}
	if url == "" {
		c.state = State{Phase: PhaseUploading, Asset: a}
	} else {
		c.state = State{Phase: PhaseAnalyzing, Asset: a, UploadedURL: url}
	}
	return func() error {
		defer cancel()
		return c.execute(runCtx, run, a, url)
	}, nil
}

func (c *Controller) execute(runCtx context.Context, run uint64, a *asset.ImageAsset, url string) error {
	logger := c.logger.With(zap.String("asset", a.ID), zap.Uint64("run", run))
	if url == "" {
		var err error
		url, err = c.upload(runCtx, run, a)
		if err != nil {
			logger.Warn("upload failed", zap.Error(err))
			return c.fail(run, failure.Upload(err))
		}
		ok := c.advance(run, func(s *State) {
			s.Phase = PhaseAnalyzing
			s.UploadedURL = url
			s.UploadProgress = 1
			c.uploadedFor, c.uploadedURL = a.ID, url
		})
		if !ok {
			logger.Info("discarding upload of superseded image")
			return ErrSuperseded
		}
		logger.Info("image uploaded", zap.String("url", url))
	}

	start := time.Now()
	resp, err := c.deps.Analyzer.Analyze(runCtx, analysis.PostRequest(url))
	var post *model.GeneratedPost
	if err == nil {
		post, err = resp.Post()
	}
	if err != nil {
		logger.Warn("analysis failed", zap.Error(err))
		return c.fail(run, failure.Analysis(err))
	}
	if !c.advance(run, func(s *State) {
		s.Phase = PhaseReady
		s.Post = post
	}) {
		logger.Info("discarding analysis of superseded image")
		return ErrSuperseded
	}
	logger.Info("post ready", zap.Int("hashtags", len(post.Hashtags)), zap.Duration("analysis", time.Since(start)))
	return nil
}

func (c *Controller) upload(ctx context.Context, run uint64, a *asset.ImageAsset) (string, error) {
	body, err := c.deps.Assets.Open(a)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return c.deps.Uploader.Upload(ctx, upload.Object{
		Key:         upload.ObjectKey(c.opts.UploadPrefix, a.ID, a.Name),
		Body:        body,
		Size:        a.Size,
		ContentType: a.ContentType,
		Progress: func(sent, total int64) {
			if total <= 0 {
				return
			}
			c.advance(run, func(s *State) {
				s.UploadProgress = float64(sent) / float64(total)
			})
		},
	})
}

// advance applies fn if run is still current.
func (c *Controller) advance(run uint64, fn func(*State)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run != c.run {
		return false
	}
	fn(&c.state)
	return true
}

func (c *Controller) fail(run uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run != c.run {
		return ErrSuperseded
	}
	c.state.Phase = PhaseFailed
	c.state.Post = nil
	c.state.Err = err
	c.state.Reason = failure.KindOf(err)
	c.state.Message = failure.Message(err)
	return err
}

// CopyToClipboard writes the post text to the clipboard. The outcome is also
// recorded in State (Copied / CopyError).
func (c *Controller) CopyToClipboard(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != PhaseReady || c.state.Post == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	text := c.state.Post.Text()
	run := c.run
	c.mu.Unlock()

	var err error
	if c.deps.Clipboard == nil {
		err = errors.New("clipboard unavailable")
	} else {
		err = c.deps.Clipboard.WriteText(ctx, text)
	}
	c.advance(run, func(s *State) {
		s.Copied = err == nil
		s.CopyError = ""
		if err != nil {
			s.CopyError = err.Error()
		}
	})
	if err != nil {
		c.logger.Warn("copy to clipboard failed", zap.Error(err))
		return fmt.Errorf("copy post: %w", err)
	}
	return nil
}

// ShareExternally copies the post text, opens the app deep link and, if that
// has not succeeded once ShareFallbackDelay has passed, opens the web URL.
// It returns immediately and never changes State.
func (c *Controller) ShareExternally() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase != PhaseReady || c.state.Post == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	text := c.state.Post.Text()
	c.shares.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.shares.Done()
		c.share(c.bg, text)
	}()
	return nil
}

func (c *Controller) share(ctx context.Context, text string) {
	if c.deps.Clipboard != nil {
		if err := c.deps.Clipboard.WriteText(ctx, text); err != nil {
			c.logger.Warn("share: copy to clipboard failed", zap.Error(err))
		}
	}
	if c.deps.Opener == nil {
		c.logger.Warn("share: no opener configured")
		return
	}
	timer := time.NewTimer(c.opts.ShareFallbackDelay)
	defer timer.Stop()

	opened := make(chan error, 1)
	c.shares.Add(1)
	go func() {
		defer c.shares.Done()
		opened <- c.deps.Opener.Open(ctx, c.opts.ShareAppURL)
	}()

	select {
	case err := <-opened:
		if err == nil {
			c.logger.Info("share: app opened", zap.String("url", c.opts.ShareAppURL))
			return
		}
		c.logger.Info("share: app link did not resolve", zap.Error(err))
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	case <-timer.C:
		c.logger.Info("share: app link still pending, falling back")
	case <-ctx.Done():
		return
	}
	if err := c.deps.Opener.Open(ctx, c.opts.ShareWebURL); err != nil {
		c.logger.Warn("share: web fallback failed", zap.Error(err))
		return
	}
	c.logger.Info("share: web opened", zap.String("url", c.opts.ShareWebURL))
}

// Wait blocks until pending share actions have finished.
func (c *Controller) Wait() {
	c.shares.Wait()
}

// Reset drops the active asset and any result and returns to PhaseIdle. It
// cancels an in-flight run and is safe to call repeatedly.
func (c *Controller) Reset() {
	c.mu.Lock()
	old := c.supersedeLocked()
	c.state = State{Phase: PhaseIdle}
	c.mu.Unlock()
	c.deps.Assets.Release(old)
}

// Close resets the generator, stops pending share actions and waits for them.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Reset()
	c.bgCancel()
	c.shares.Wait()
}
