package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/analysis"
	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/failure"
	"github.com/dharsanguruparan/DigitalSaathi/internal/listing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/pipeline"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
	"github.com/dharsanguruparan/DigitalSaathi/internal/viewer"
)

// Deps are the services behind the HTTP surface. Notifier and Viewer may be
// nil; without a viewer the latest listing is read from the store directly.
type Deps struct {
	Assets   *asset.Registry
	Uploader upload.Uploader
	Analyzer analysis.Analyzer
	Store    docstore.Store
	Notifier listing.Notifier
	Viewer   *viewer.Viewer
}

// Server exposes the listing form, the post generator and the latest listing
// over HTTP.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	server *http.Server
	once   sync.Once
	mux    http.Handler

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
	sweeper  sync.Once
	// bg outlives requests so generation continues after the 202 response.
	bg       context.Context
	bgCancel context.CancelFunc
	runs     sync.WaitGroup
}

// session is a generator held for one client. touched is refreshed on every
// request that names it.
type session struct {
	ctrl    *pipeline.Controller
	touched time.Time
}

const defaultSessionTTL = 30 * time.Minute

// New constructs a Server.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	bg, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*session),
		now:      time.Now,
		bg:       bg,
		bgCancel: cancel,
	}
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/listings", s.handleListings)
		mux.HandleFunc("/listings/latest", s.handleLatestListing)
		mux.HandleFunc("/generator", s.handleGenerators)
		mux.HandleFunc("/generator/", s.handleGeneratorRoute)
		mux.Handle("/previews/", s.deps.Assets)
		s.mux = corsMiddleware(loggingMiddleware(s.logger, mux))
	})
	return s.mux
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startSweeper()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", zap.String("addr", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops background generation and releases every generator session.
func (s *Server) Close() {
	s.bgCancel()
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.ctrl.Close()
	}
	s.runs.Wait()
}

func (s *Server) sessionTTL() time.Duration {
	if s.cfg.PreviewTTL <= 0 {
		return defaultSessionTTL
	}
	return s.cfg.PreviewTTL
}

// startSweeper reaps idle generator sessions every half TTL until Close.
func (s *Server) startSweeper() {
	s.sweeper.Do(func() {
		interval := s.sessionTTL() / 2
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.bg.Done():
					return
				case <-ticker.C:
					s.sweepIdle(s.now())
				}
			}
		}()
	})
}

// sweepIdle closes sessions untouched for longer than the preview TTL and
// returns how many it closed. Sessions with a generation in flight are kept.
func (s *Server) sweepIdle(now time.Time) int {
	ttl := s.sessionTTL()
	var idle []*pipeline.Controller
	s.mu.Lock()
	for id, sess := range s.sessions {
		if now.Sub(sess.touched) <= ttl {
			continue
		}
		if phase := sess.ctrl.State().Phase; phase == pipeline.PhaseUploading || phase == pipeline.PhaseAnalyzing {
			continue
		}
		delete(s.sessions, id)
		idle = append(idle, sess.ctrl)
	}
	s.mu.Unlock()
	for _, ctrl := range idle {
		ctrl.Close()
	}
	if len(idle) > 0 {
		s.logger.Info("reaped idle generator sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// touch returns the session's generator and marks it as used.
func (s *Server) touch(id string) (*pipeline.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.touched = s.now()
	return sess.ctrl, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listingResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	model.ListingRecord
}

func newListingResponse(rec *model.ListingRecord) listingResponse {
	return listingResponse{ID: rec.ID, CreatedAt: rec.CreatedAt, ListingRecord: *rec}
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		s.respondMessage(w, http.StatusBadRequest, failure.Validation("expecting multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := listing.New(listing.Deps{
		Uploader: s.deps.Uploader,
		Store:    s.deps.Store,
		Assets:   s.deps.Assets,
		Notifier: s.deps.Notifier,
	}, listing.Options{
		Collection:   s.cfg.ListingCollection,
		RequireImage: s.cfg.RequireImage,
	}, s.logger)
	defer form.Close()

	if err := form.SetDraft(listing.Draft{
		ArtisanName: r.FormValue("artisanName"),
		ProductName: r.FormValue("productName"),
		Description: r.FormValue("description"),
		Price:       r.FormValue("price"),
		Contact:     r.FormValue("contact"),
		Area:        r.FormValue("area"),
	}); err != nil {
		s.respondMessage(w, http.StatusInternalServerError, err)
		return
	}
	file, ok, err := s.formImage(r)
	if err != nil {
		s.respondMessage(w, http.StatusBadRequest, err)
		return
	}
	if ok {
		if _, err := form.AttachImage(file); err != nil {
			s.respondMessage(w, statusFor(err), err)
			return
		}
	}
	rec, err := form.Submit(r.Context())
	if err != nil {
		s.respondMessage(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"message": form.Message(),
		"listing": newListingResponse(rec),
	})
}

// formImage reads the optional "image" part of a parsed multipart form.
func (s *Server) formImage(r *http.Request) (asset.File, bool, error) {
	f, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return asset.File{}, false, nil
	}
	if err != nil {
		return asset.File{}, false, failure.Validation("read image: %v", err)
	}
	defer f.Close()
	file, err := asset.ReadFrom(f, header.Filename, s.cfg.MaxFileSize)
	if err != nil {
		return asset.File{}, false, err
	}
	return file, true, nil
}

func (s *Server) handleLatestListing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rec *model.ListingRecord
	if s.deps.Viewer != nil {
		rec = s.deps.Viewer.Latest()
	} else {
		doc, err := s.deps.Store.Latest(r.Context(), s.cfg.ListingCollection)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			s.logger.Error("load latest listing", zap.Error(err))
			http.Error(w, "failed to load listing", http.StatusInternalServerError)
			return
		default:
			if rec, err = listing.FromDocument(doc); err != nil {
				s.logger.Error("decode latest listing", zap.Error(err))
				http.Error(w, "failed to load listing", http.StatusInternalServerError)
				return
			}
		}
	}
	if rec == nil {
		http.Error(w, "no listings yet", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, newListingResponse(rec))
}

func (s *Server) handleGenerators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := uuid.NewString()
	ctrl := pipeline.New(pipeline.Deps{
		Uploader: s.deps.Uploader,
		Analyzer: s.deps.Analyzer,
		Assets:   s.deps.Assets,
	}, pipeline.Options{}, s.logger.With(zap.String("session", id)))
	s.mu.Lock()
	s.sessions[id] = &session{ctrl: ctrl, touched: s.now()}
	s.mu.Unlock()
	s.respondJSON(w, http.StatusCreated, map[string]any{"id": id, "state": ctrl.State()})
}

func (s *Server) handleGeneratorRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/generator/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	ctrl, ok := s.touch(id)
	if !ok {
		http.Error(w, "generator not found", http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.respondJSON(w, http.StatusOK, ctrl.State())
		case http.MethodDelete:
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			ctrl.Close()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	switch parts[1] {
	case "image":
		s.handleSelectImage(w, r, ctrl)
	case "generate":
		s.handleGenerate(w, r, ctrl)
	case "text":
		s.handlePostText(w, r, ctrl)
	case "reset":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctrl.Reset()
		s.respondJSON(w, http.StatusOK, ctrl.State())
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSelectImage(w http.ResponseWriter, r *http.Request, ctrl *pipeline.Controller) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		s.respondMessage(w, http.StatusBadRequest, failure.Validation("expecting multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, ok, err := s.formImage(r)
	if err != nil {
		s.respondMessage(w, http.StatusBadRequest, err)
		return
	}
	if !ok {
		s.respondMessage(w, http.StatusBadRequest, failure.Validation("image required"))
		return
	}
	a, err := ctrl.SelectImage(file)
	if err != nil {
		s.respondMessage(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, ctrl *pipeline.Controller) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, err := ctrl.Start(s.bg)
	if err != nil {
		s.respondMessage(w, statusFor(err), err)
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if err := run(); err != nil && !errors.Is(err, pipeline.ErrSuperseded) {
			s.logger.Info("generation ended", zap.Error(err))
		}
	}()
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handlePostText(w http.ResponseWriter, r *http.Request, ctrl *pipeline.Controller) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := ctrl.State()
	if state.Phase != pipeline.PhaseReady || state.Post == nil {
		s.respondMessage(w, http.StatusConflict, pipeline.ErrNotReady)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, state.Post.Text())
}

func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindUpload, failure.KindAnalysis, failure.KindWrite:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, pipeline.ErrClosed), errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, pipeline.ErrNoImage), errors.Is(err, pipeline.ErrNotReady),
		errors.Is(err, listing.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"message": failure.Message(err)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}
