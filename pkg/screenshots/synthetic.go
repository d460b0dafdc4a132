package screenshots

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Synthetic renders a generated gradient instead of grabbing the screen. It
// backs headless hosts and tests.
type Synthetic struct {
	Width  int
	Height int
	shots  atomic.Uint32
}

// NewSynthetic returns a 640x400 synthetic capturer.
func NewSynthetic() *Synthetic {
	return &Synthetic{Width: 640, Height: 400}
}

// Capture writes a PNG to outputPath via a temp file so readers never see a
// half-written image.
func (s *Synthetic) Capture(ctx context.Context, outputPath string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	width, height := s.Width, s.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 400
	}

	hue := uint8(40 + (s.shots.Add(1)*37)%200)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: hue, G: uint8(x % 255), B: uint8(y % 255), A: 255})
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".capture-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp capture: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("encode synthetic frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp capture: %w", err)
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return fmt.Errorf("publish capture: %w", err)
	}
	return nil
}
