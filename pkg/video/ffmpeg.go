package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

type encodeJob struct {
	img *image.RGBA
	gap int
}

// FFmpeg pipes raw RGBA canvases into an ffmpeg subprocess. A single writer
// goroutine feeds stdin; Ready fires whenever it is idle.
type FFmpeg struct {
	cfg    EncoderConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	ready chan struct{}
	jobs  chan encodeJob
	done  chan struct{}

	// submitted is the next free frame slot; only touched by the appending goroutine.
	submitted int
	blank     []byte
	last      []byte

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// FFmpegArgs builds the ffmpeg command line for cfg.
func FFmpegArgs(cfg EncoderConfig) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-i", "pipe:0",
		"-an",
	}
	if cfg.Codec != "" {
		args = append(args, "-c:v", cfg.Codec)
	}
	if cfg.Bitrate != "" {
		args = append(args, "-b:v", cfg.Bitrate)
	}
	if cfg.PixelFormat != "" {
		args = append(args, "-pix_fmt", cfg.PixelFormat)
	}
	return append(args, "-movflags", "+faststart", "-f", "mp4", cfg.Path)
}

// StartFFmpeg launches ffmpeg for cfg. It is the default EncoderFactory.
func StartFFmpeg(ctx context.Context, cfg EncoderConfig) (Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FrameRate <= 0 {
		return nil, &EncoderInitError{Err: fmt.Errorf("invalid stream geometry %dx%d@%d", cfg.Width, cfg.Height, cfg.FrameRate)}
	}
	if cfg.Path == "" {
		return nil, &EncoderInitError{Err: errors.New("output path must not be empty")}
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, &EncoderInitError{Err: fmt.Errorf("locate %s: %w", binary, err)}
	}

	f := &FFmpeg{
		cfg:   cfg,
		ready: make(chan struct{}, 1),
		jobs:  make(chan encodeJob),
		done:  make(chan struct{}),
	}
	f.cmd = exec.CommandContext(ctx, resolved, FFmpegArgs(cfg)...)
	f.cmd.Stderr = &f.stderr
	f.stdin, err = f.cmd.StdinPipe()
	if err != nil {
		return nil, &EncoderInitError{Err: err}
	}
	if err := f.cmd.Start(); err != nil {
		return nil, &EncoderInitError{Err: fmt.Errorf("start %s: %w", resolved, err)}
	}

	f.ready <- struct{}{}
	go f.loop()
	return f, nil
}

// Ready implements Encoder.
func (f *FFmpeg) Ready() <-chan struct{} {
	return f.ready
}

// Append implements Encoder.
func (f *FFmpeg) Append(img *image.RGBA, pts time.Duration) error {
	idx := frameIndex(pts, f.cfg.FrameRate)
	if err := f.failure(); err != nil {
		return &InputRejectedError{Index: idx, Err: err}
	}
	if img == nil || img.Bounds().Dx() != f.cfg.Width || img.Bounds().Dy() != f.cfg.Height {
		return &InputRejectedError{Index: idx, Err: errors.New("canvas size mismatch")}
	}
	if idx < f.submitted {
		return &InputRejectedError{Index: idx, Err: fmt.Errorf("presentation time %s precedes slot %d", pts, f.submitted)}
	}
	job := encodeJob{img: img, gap: idx - f.submitted}
	f.submitted = idx + 1
	f.jobs <- job
	return nil
}

// Finish flushes the stream and waits for ffmpeg to exit.
func (f *FFmpeg) Finish(ctx context.Context) error {
	f.closeJobs()
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Abort()
		return ctx.Err()
	}
	closeErr := f.stdin.Close()
	waitErr := f.cmd.Wait()
	if err := f.failure(); err != nil {
		return &EncoderWriteError{Err: f.withStderr(err)}
	}
	if waitErr != nil {
		return &EncoderWriteError{Err: f.withStderr(waitErr)}
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return &EncoderWriteError{Err: closeErr}
	}
	return nil
}

// Abort kills ffmpeg and removes any partial output.
func (f *FFmpeg) Abort() {
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	f.closeJobs()
	<-f.done
	_ = f.stdin.Close()
	_ = f.cmd.Wait()
	_ = os.Remove(f.cfg.Path)
}

func (f *FFmpeg) loop() {
	defer close(f.done)
	for job := range f.jobs {
		if f.failure() == nil {
			if err := f.write(job); err != nil {
				f.fail(err)
			}
		}
		select {
		case f.ready <- struct{}{}:
		default:
		}
	}
}

func (f *FFmpeg) write(job encodeJob) error {
	for i := 0; i < job.gap; i++ {
		hold := f.last
		if hold == nil {
			if f.blank == nil {
				f.blank = blackRGBA(f.cfg.Width, f.cfg.Height)
			}
			hold = f.blank
		}
		if _, err := f.stdin.Write(hold); err != nil {
			return fmt.Errorf("write held frame: %w", err)
		}
	}
	pix := packedPixels(job.img)
	if _, err := f.stdin.Write(pix); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	f.last = pix
	return nil
}

func (f *FFmpeg) closeJobs() {
	f.closeOnce.Do(func() { close(f.jobs) })
}

func (f *FFmpeg) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *FFmpeg) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *FFmpeg) withStderr(err error) error {
	msg := strings.TrimSpace(f.stderr.String())
	if msg == "" {
		return err
	}
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	return fmt.Errorf("%w: %s", err, msg)
}

// packedPixels returns the canvas bytes without row padding.
func packedPixels(img *image.RGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if img.Stride == 4*w && len(img.Pix) == 4*w*h {
		return img.Pix
	}
	out := make([]byte, 0, 4*w*h)
	for y := 0; y < h; y++ {
		start := y * img.Stride
		out = append(out, img.Pix[start:start+4*w]...)
	}
	return out
}

func blackRGBA(w, h int) []byte {
	buf := make([]byte, 4*w*h)
	for i := 3; i < len(buf); i += 4 {
		buf[i] = 0xff
	}
	return buf
}
