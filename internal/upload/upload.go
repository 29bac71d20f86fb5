// Package upload defines the object upload capability used by both
// controllers: binary in, durable retrievable URL out.
package upload

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// ProgressFunc is called as bytes are handed to the backend. total is -1
// when the size is unknown.
type ProgressFunc func(sent, total int64)

// Object is one upload request.
type Object struct {
	// Key is the destination path inside the bucket, e.g. products/art_1a2b3c4d/scarf.png.
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Progress    ProgressFunc
}

// Uploader stores an object and returns a URL it can be fetched from.
// Implementations must return a non-nil error for any terminal failure.
type Uploader interface {
	Upload(ctx context.Context, obj Object) (string, error)
}

// ObjectKey joins a destination prefix, an owner segment and a file name,
// stripping any directories the client put in the name.
func ObjectKey(prefix, owner, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	return path.Join(prefix, owner, name)
}

// TrackProgress wraps obj.Body so obj.Progress sees every read.
func TrackProgress(obj Object) io.Reader {
	if obj.Progress == nil {
		return obj.Body
	}
	total := obj.Size
	if total <= 0 {
		total = -1
	}
	return &progressReader{r: obj.Body, total: total, fn: obj.Progress}
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

// PlaceholderURL is what the fixed uploader hands back by default.
const PlaceholderURL = "https://placehold.co/600x400/png?text=Placeholder"

// Fixed is a stand-in uploader that drains the body, waits Delay and returns
// URL (or Err). It records every key it was asked to store.
type Fixed struct {
	URL   string
	Delay time.Duration
	Err   error

	mu   sync.Mutex
	keys []string
}

// NewFixed returns a Fixed uploader answering with the placeholder URL.
func NewFixed(delay time.Duration) *Fixed {
	return &Fixed{URL: PlaceholderURL, Delay: delay}
}

// Upload implements Uploader.
func (f *Fixed) Upload(ctx context.Context, obj Object) (string, error) {
	if obj.Body == nil {
		return "", errors.New("upload: empty body")
	}
	if _, err := io.Copy(io.Discard, TrackProgress(obj)); err != nil {
		return "", err
	}
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	f.mu.Lock()
	f.keys = append(f.keys, obj.Key)
	f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if f.URL == "" {
		return PlaceholderURL, nil
	}
	return f.URL, nil
}

// Keys returns the keys uploaded so far.
func (f *Fixed) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}
