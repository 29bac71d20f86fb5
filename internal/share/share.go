// Package share holds the platform side of the post actions: writing to the
// system clipboard and opening links in the user's apps.
package share

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
)

// clipboardWriteAll is a package-level variable to allow mocking in tests.
var clipboardWriteAll = clipboard.WriteAll

// SystemClipboard writes to the OS clipboard.
type SystemClipboard struct{}

// WriteText replaces the clipboard contents.
func (SystemClipboard) WriteText(ctx context.Context, text string) error {
	if clipboard.Unsupported {
		return fmt.Errorf("clipboard unavailable on %s", runtime.GOOS)
	}
	if err := clipboardWriteAll(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// BrowserOpener hands URLs to the platform's default handler. Open waits for
// the launcher to exit so a link nothing can handle (an app deep link with
// no app installed) surfaces as an error.
type BrowserOpener struct {
	// GOOS overrides runtime.GOOS; empty means the running platform.
	GOOS string
}

// Open launches url.
func (o BrowserOpener) Open(ctx context.Context, url string) error {
	name, args := launcher(o.goos(), url)
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("open %s: %w (%s)", url, err, out)
	}
	return nil
}

func (o BrowserOpener) goos() string {
	if o.GOOS != "" {
		return o.GOOS
	}
	return runtime.GOOS
}

func launcher(goos, url string) (string, []string) {
	switch goos {
	case "windows":
		return "cmd", []string{"/c", "start", "", url}
	case "darwin":
		return "open", []string{url}
	default:
		return "xdg-open", []string{url}
	}
}
