package video

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyToOutput stands in for ffmpeg: it streams stdin into the final argument.
const copyToOutput = "#!/bin/sh\nfor last; do :; done\nexec cat > \"$last\"\n"

func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func startStub(t *testing.T, script string, width, height int) (*FFmpeg, EncoderConfig) {
	t.Helper()
	cfg := EncoderConfig{
		Path:      filepath.Join(t.TempDir(), "out.mp4"),
		Width:     width,
		Height:    height,
		FrameRate: 2,
		Binary:    fakeFFmpeg(t, script),
	}
	enc, err := StartFFmpeg(context.Background(), cfg)
	require.NoError(t, err)
	return enc.(*FFmpeg), cfg
}

func solidCanvas(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func appendWhenReady(t *testing.T, enc *FFmpeg, img *image.RGBA, slot int) error {
	t.Helper()
	select {
	case <-enc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("encoder never became ready for slot %d", slot)
	}
	return enc.Append(img, PresentationTime(slot, enc.cfg.FrameRate))
}

// slots splits raw output into per-frame pixel slices.
func slots(t *testing.T, raw []byte, w, h int) [][]byte {
	t.Helper()
	size := 4 * w * h
	require.Zero(t, len(raw)%size, "output is not a whole number of frames")
	var out [][]byte
	for off := 0; off < len(raw); off += size {
		out = append(out, raw[off:off+size])
	}
	return out
}

func TestFFmpegHoldsPreviousFrameAcrossGap(t *testing.T) {
	enc, cfg := startStub(t, copyToOutput, 2, 2)
	red := color.RGBA{R: 255, A: 255}
	green := color.RGBA{G: 255, A: 255}

	require.NoError(t, appendWhenReady(t, enc, solidCanvas(2, 2, red), 0))
	require.NoError(t, appendWhenReady(t, enc, solidCanvas(2, 2, green), 3))

	err := appendWhenReady(t, enc, solidCanvas(2, 2, red), 1)
	var rejected *InputRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, rejected.Index)

	require.NoError(t, enc.Finish(context.Background()))

	raw, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	frames := slots(t, raw, 2, 2)
	require.Len(t, frames, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, solidCanvas(2, 2, red).Pix, frames[i], "slot %d", i)
	}
	assert.Equal(t, solidCanvas(2, 2, green).Pix, frames[3])
}

func TestFFmpegLeadingGapIsBlack(t *testing.T) {
	enc, cfg := startStub(t, copyToOutput, 2, 2)
	blue := color.RGBA{B: 255, A: 255}

	require.NoError(t, appendWhenReady(t, enc, solidCanvas(2, 2, blue), 2))
	require.NoError(t, enc.Finish(context.Background()))

	raw, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	frames := slots(t, raw, 2, 2)
	require.Len(t, frames, 3)
	black := blackRGBA(2, 2)
	assert.Equal(t, black, frames[0])
	assert.Equal(t, black, frames[1])
	assert.Equal(t, solidCanvas(2, 2, blue).Pix, frames[2])
	assert.Equal(t, []byte{0, 0, 0, 255}, frames[0][:4])
}

func TestFFmpegRejectsMismatchedCanvas(t *testing.T) {
	enc, _ := startStub(t, copyToOutput, 2, 2)
	defer enc.Abort()

	err := appendWhenReady(t, enc, solidCanvas(3, 2, color.RGBA{A: 255}), 0)
	var rejected *InputRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, err.Error(), "canvas size mismatch")
}

func TestFFmpegWriteFailureCarriesIntoNextAppend(t *testing.T) {
	// A canvas larger than a pipe buffer forces the write to see the exit.
	const w, h = 256, 256
	enc, _ := startStub(t, "#!/bin/sh\necho 'codec exploded' >&2\nexit 3\n", w, h)

	require.NoError(t, appendWhenReady(t, enc, solidCanvas(w, h, color.RGBA{R: 9, A: 255}), 0))

	err := appendWhenReady(t, enc, solidCanvas(w, h, color.RGBA{R: 9, A: 255}), 1)
	var rejected *InputRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, rejected.Index)

	err = enc.Finish(context.Background())
	var writeErr *EncoderWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Contains(t, err.Error(), "codec exploded")
}

func TestFFmpegAbortRemovesOutput(t *testing.T) {
	enc, cfg := startStub(t, copyToOutput, 2, 2)

	require.NoError(t, appendWhenReady(t, enc, solidCanvas(2, 2, color.RGBA{R: 255, A: 255}), 0))
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	enc.Abort()
	assert.NoFileExists(t, cfg.Path)
}

func TestStartFFmpegMissingBinary(t *testing.T) {
	_, err := StartFFmpeg(context.Background(), EncoderConfig{
		Path:      filepath.Join(t.TempDir(), "out.mp4"),
		Width:     2,
		Height:    2,
		FrameRate: 2,
		Binary:    filepath.Join(t.TempDir(), "no-such-ffmpeg"),
	})
	var initErr *EncoderInitError
	require.ErrorAs(t, err, &initErr)
}
