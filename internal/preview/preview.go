// Package preview renders PNG thumbnails of mosaics with ImageMagick.
package preview

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var (
	initOnce sync.Once
	mu       sync.Mutex // one wand at a time
)

// Render writes a contrast-normalized PNG of fitsPath whose longest side
// is at most size pixels. A zero size keeps the original dimensions.
func Render(fitsPath, pngPath string, size uint) error {
	initOnce.Do(imagick.Initialize)
	mu.Lock()
	defer mu.Unlock()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	// only the primary image of a multi-extension file
	if err := mw.ReadImage(fitsPath + "[0]"); err != nil {
		return fmt.Errorf("read %s: %w", fitsPath, err)
	}
	if err := mw.NormalizeImage(); err != nil {
		return fmt.Errorf("normalize %s: %w", fitsPath, err)
	}
	w, h := Fit(mw.GetImageWidth(), mw.GetImageHeight(), size)
	if w != mw.GetImageWidth() || h != mw.GetImageHeight() {
		if err := mw.ThumbnailImage(w, h); err != nil {
			return fmt.Errorf("resize %s: %w", fitsPath, err)
		}
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return err
	}
	if err := mw.StripImage(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pngPath), 0o755); err != nil {
		return err
	}
	if err := mw.WriteImage(pngPath); err != nil {
		return fmt.Errorf("write %s: %w", pngPath, err)
	}
	return nil
}

// Renderer adapts Render to the mosaic builder's previewer.
func Renderer(size uint) func(ctx context.Context, fitsPath, pngPath string) error {
	return func(ctx context.Context, fitsPath, pngPath string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return Render(fitsPath, pngPath, size)
	}
}

// Fit scales w x h so that the longest side is at most size, keeping the
// aspect ratio. Images already small enough are left alone.
func Fit(w, h, size uint) (uint, uint) {
	if size == 0 || (w <= size && h <= size) || w == 0 || h == 0 {
		return w, h
	}
	if w >= h {
		return size, max(1, h*size/w)
	}
	return max(1, w*size/h), size
}
