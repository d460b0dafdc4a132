package video

import (
	"context"
	"image"
	"time"
)

// EncoderConfig describes the output stream.
type EncoderConfig struct {
	Path        string
	Width       int
	Height      int
	FrameRate   int
	Binary      string
	Codec       string
	Bitrate     string
	PixelFormat string
}

// Encoder consumes canvases at presentation timestamps. Callers must receive
// from Ready before each Append; at most one frame is in flight.
//
// A presentation time past the next expected frame holds the previous picture
// across the gap (black if nothing was appended yet).
type Encoder interface {
	Ready() <-chan struct{}
	Append(img *image.RGBA, pts time.Duration) error
	Finish(ctx context.Context) error
	Abort()
}

// EncoderFactory starts an encoder writing to cfg.Path.
type EncoderFactory func(ctx context.Context, cfg EncoderConfig) (Encoder, error)

// frameIndex converts a presentation time to a frame slot.
func frameIndex(pts time.Duration, frameRate int) int {
	if frameRate <= 0 {
		return 0
	}
	return int((pts*time.Duration(frameRate) + time.Second/2) / time.Second)
}

// PresentationTime returns index / frameRate.
func PresentationTime(index, frameRate int) time.Duration {
	if frameRate <= 0 {
		return 0
	}
	return time.Duration(index) * time.Second / time.Duration(frameRate)
}
