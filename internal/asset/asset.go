// Package asset owns locally selected images and their preview references.
// A preview reference is a signed, expiring link to a thumbnail stored under
// the preview directory; it lives until the asset is released.
package asset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/failure"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/signing"
)

// ErrReleased is returned when reading an asset whose preview was revoked.
var ErrReleased = errors.New("image asset released")

const (
	defaultThumbSize = 320
	sniffLen         = 512
)

// File is a user selection before it becomes an ImageAsset.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReadFile loads a selection from disk.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read image: %w", err)
	}
	return File{Name: filepath.Base(path), Data: data}, nil
}

// ReadFrom drains r into a selection, refusing more than limit bytes.
func ReadFrom(r io.Reader, name string, limit int64) (File, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return File{}, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > limit {
		return File{}, failure.Validation("image %q exceeds limit (%d bytes)", name, limit)
	}
	return File{Name: name, Data: data}, nil
}

// ImageAsset is a selected image plus its preview reference.
type ImageAsset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	PreviewURL  string    `json:"previewUrl"`
	CreatedAt   time.Time `json:"createdAt"`

	originalPath string
	previewPath  string
	released     bool
}

// Options configures a Registry.
type Options struct {
	Dir          string
	MaxFileSize  int64
	AllowedTypes []string
	TTL          time.Duration
	// BasePath prefixes preview links; the asset id is appended.
	BasePath  string
	ThumbSize int
}

// Registry creates assets and tracks which previews are live.
type Registry struct {
	mu     sync.Mutex
	opts   Options
	signer *signing.Signer
	logger *zap.Logger
	assets map[string]*ImageAsset
	now    func() time.Time
}

// NewRegistry prepares the preview directory.
func NewRegistry(opts Options, signer *signing.Signer, logger *zap.Logger) (*Registry, error) {
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "digitalsaathi", "previews")
	}
	if opts.BasePath == "" {
		opts.BasePath = "/previews/"
	}
	if opts.ThumbSize <= 0 {
		opts.ThumbSize = defaultThumbSize
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	return &Registry{
		opts:   opts,
		signer: signer,
		logger: logging.OrNop(logger),
		assets: make(map[string]*ImageAsset),
		now:    time.Now,
	}, nil
}

// Create validates the selection, stores it and returns a live asset.
// Problems with the file itself are validation failures.
func (r *Registry) Create(file File) (*ImageAsset, error) {
	name := filepath.Base(file.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "image"
	}
	size := int64(len(file.Data))
	if size == 0 {
		return nil, failure.Validation("image %q is empty", name)
	}
	if r.opts.MaxFileSize > 0 && size > r.opts.MaxFileSize {
		return nil, failure.Validation("image %q exceeds limit (%d bytes)", name, r.opts.MaxFileSize)
	}
	sniff := file.Data
	if len(sniff) > sniffLen {
		sniff = sniff[:sniffLen]
	}
	contentType := http.DetectContentType(sniff)
	if !r.allowedType(contentType) {
		return nil, failure.Validation("image %q has unsupported type %s", name, contentType)
	}
	img, err := imaging.Decode(bytes.NewReader(file.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, failure.Validation("image %q could not be decoded: %v", name, err)
	}
	thumb := imaging.Fit(img, r.opts.ThumbSize, r.opts.ThumbSize, imaging.Lanczos)

	id := uuid.NewString()
	a := &ImageAsset{
		ID:           id,
		Name:         name,
		ContentType:  contentType,
		Size:         size,
		CreatedAt:    r.now().UTC(),
		originalPath: filepath.Join(r.opts.Dir, id+"-original"),
		previewPath:  filepath.Join(r.opts.Dir, id+"-preview.jpg"),
	}
	if err := os.WriteFile(a.originalPath, file.Data, 0o600); err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}
	if err := imaging.Save(thumb, a.previewPath, imaging.JPEGQuality(80)); err != nil {
		os.Remove(a.originalPath)
		return nil, fmt.Errorf("store preview: %w", err)
	}
	a.PreviewURL = r.signer.SignedURL(r.opts.BasePath+id, id, r.now().Add(r.opts.TTL))

	r.mu.Lock()
	r.assets[id] = a
	live := len(r.assets)
	r.mu.Unlock()
	r.logger.Debug("preview created", zap.String("asset", id), zap.String("name", name), zap.Int("live", live))
	return a, nil
}

// Release revokes the asset's preview and deletes its files. Releasing nil,
// an unknown or an already released asset is a no-op.
func (r *Registry) Release(a *ImageAsset) {
	if a == nil {
		return
	}
	r.mu.Lock()
	cur, ok := r.assets[a.ID]
	if !ok || cur != a {
		r.mu.Unlock()
		return
	}
	delete(r.assets, a.ID)
	a.released = true
	live := len(r.assets)
	r.mu.Unlock()

	for _, path := range []string{a.originalPath, a.previewPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("remove preview file", zap.String("path", path), zap.Error(err))
		}
	}
	r.logger.Debug("preview released", zap.String("asset", a.ID), zap.Int("live", live))
}

// Open streams the original bytes of a live asset.
func (r *Registry) Open(a *ImageAsset) (io.ReadCloser, error) {
	r.mu.Lock()
	released := a.released
	r.mu.Unlock()
	if released {
		return nil, ErrReleased
	}
	f, err := os.Open(a.originalPath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return f, nil
}

// Live reports how many previews are currently held.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assets)
}

// Close releases every live asset.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*ImageAsset, 0, len(r.assets))
	for _, a := range r.assets {
		all = append(all, a)
	}
	r.mu.Unlock()
	for _, a := range all {
		r.Release(a)
	}
}

// ServeHTTP serves preview thumbnails at BasePath{id} for valid, unexpired
// signatures.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, r.opts.BasePath)
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, req)
		return
	}
	q := req.URL.Query()
	if !r.signer.Verify(id, q.Get("expires"), q.Get("signature"), r.now()) {
		http.Error(w, "invalid or expired preview link", http.StatusUnauthorized)
		return
	}
	r.mu.Lock()
	a, ok := r.assets[id]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "preview released", http.StatusGone)
		return
	}
	f, err := os.Open(a.previewPath)
	if err != nil {
		http.Error(w, "preview unavailable", http.StatusGone)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, req, a.ID+".jpg", a.CreatedAt, f)
}

func (r *Registry) allowedType(contentType string) bool {
	if len(r.opts.AllowedTypes) == 0 {
		return strings.HasPrefix(contentType, "image/")
	}
	for _, allowed := range r.opts.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}
