//go:build govips && cgo

package pipeline

import (
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  50,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

// normalizeInput re-encodes formats the Go decoders cannot read (HEIF, AVIF, SVG...) as PNG.
func normalizeInput(data []byte) ([]byte, error) {
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG, vips.ImageTypePNG, vips.ImageTypeGIF, vips.ImageTypeWEBP, vips.ImageTypeTIFF, vips.ImageTypeBMP:
		return data, nil
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("vips decode: %w", err)
	}
	defer img.Close()

	out, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("vips encode png: %w", err)
	}
	return out, nil
}
