// Package assettest provides images and registries for tests.
package assettest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/signing"
)

// PNG encodes a small gradient image.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// File wraps a generated PNG as a selection.
func File(t testing.TB, name string) asset.File {
	return asset.File{Name: name, ContentType: "image/png", Data: PNG(t, 64, 48)}
}

// NewRegistry returns a registry rooted in a per-test temp dir that is closed
// when the test ends.
func NewRegistry(t testing.TB) *asset.Registry {
	t.Helper()
	reg, err := asset.NewRegistry(asset.Options{
		Dir:          t.TempDir(),
		MaxFileSize:  1 << 20,
		AllowedTypes: []string{"image/png", "image/jpeg", "image/gif"},
		TTL:          time.Minute,
	}, signing.NewSigner([]byte("test-secret")), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg
}
