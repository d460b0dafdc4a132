package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/framestore"
	"github.com/offlinefirst/screenwatch/pkg/logging"
)

// Source lists the frames to compile in presentation order.
type Source interface {
	Snapshot() ([]framestore.Frame, error)
	Dir() string
}

// Gate reports whether the lifecycle currently permits compiling.
type Gate interface {
	CompileAllowed() bool
}

// Progress is reported after every frame, decoded or skipped.
type Progress struct {
	ID        string
	Completed int
	Total     int
}

// Fraction returns Completed/Total.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// Result is the terminal outcome of one compile.
type Result struct {
	ID        string        `json:"id"`
	Asset     string        `json:"asset,omitempty"`
	Frames    int           `json:"frames"`
	Encoded   int           `json:"encoded"`
	Skipped   int           `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	ErrorKind string        `json:"error_kind"`
	Error     string        `json:"error,omitempty"`

	err error
}

// Err returns the compile error, if any.
func (r Result) Err() error { return r.err }

// Options configure a Compiler.
type Options struct {
	Source     Source
	Gate       Gate
	OutputPath string
	// Encoder supplies geometry and codec settings; Path is filled per run.
	Encoder    EncoderConfig
	NewEncoder EncoderFactory
	Decode     func(path string) (image.Image, error)
	OnProgress func(Progress)
	OnComplete func(Result)
	NewID      func() string
	Clock      func() time.Time
	Location   *time.Location
	Publisher  events.Publisher
	Logger     *slog.Logger
}

// Compiler turns the current frame set into a single video asset. At most
// one compile runs at a time.
type Compiler struct {
	source     Source
	gate       Gate
	output     string
	encoder    EncoderConfig
	newEncoder EncoderFactory
	decode     func(string) (image.Image, error)
	onProgress func(Progress)
	onComplete func(Result)
	newID      func() string
	clock      func() time.Time
	loc        *time.Location
	publisher  events.Publisher
	logger     *slog.Logger
	compositor Compositor

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *Result
}

// NewCompiler validates options.
func NewCompiler(opts Options) (*Compiler, error) {
	if opts.Source == nil {
		return nil, errors.New("frame source must be provided")
	}
	if opts.OutputPath == "" {
		return nil, errors.New("output path must be provided")
	}
	if opts.Encoder.Width <= 0 || opts.Encoder.Height <= 0 {
		return nil, errors.New("canvas dimensions must be positive")
	}
	if opts.Encoder.FrameRate <= 0 {
		return nil, errors.New("frame rate must be positive")
	}
	c := &Compiler{
		source:     opts.Source,
		gate:       opts.Gate,
		output:     opts.OutputPath,
		encoder:    opts.Encoder,
		newEncoder: opts.NewEncoder,
		decode:     opts.Decode,
		onProgress: opts.OnProgress,
		onComplete: opts.OnComplete,
		newID:      opts.NewID,
		clock:      opts.Clock,
		loc:        opts.Location,
		publisher:  events.OrDiscard(opts.Publisher),
		logger:     logging.Component(opts.Logger, "compiler"),
		compositor: Compositor{Width: opts.Encoder.Width, Height: opts.Encoder.Height},
	}
	if c.newEncoder == nil {
		c.newEncoder = StartFFmpeg
	}
	if c.decode == nil {
		c.decode = decodePNG
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	return c, nil
}

// OutputPath returns the asset location.
func (c *Compiler) OutputPath() string { return c.output }

// Running reports whether a compile is in flight.
func (c *Compiler) Running() bool { return c.running.Load() }

// Last returns the most recent finished compile.
func (c *Compiler) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Request starts a compile in the background. It returns accepted=false
// without side effects when a compile is already running or not allowed.
func (c *Compiler) Request(ctx context.Context) (string, bool) {
	id, err := c.Start(ctx)
	return id, err == nil
}

// Start is Request with the rejection reason.
func (c *Compiler) Start(ctx context.Context) (string, error) {
	if c.gate != nil && !c.gate.CompileAllowed() {
		return "", ErrNotAllowed
	}
	if !c.running.CompareAndSwap(false, true) {
		return "", ErrCompileInFlight
	}
	id := c.newID()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		c.execute(ctx, id)
	}()
	return id, nil
}

// Run compiles synchronously and returns the outcome.
func (c *Compiler) Run(ctx context.Context) (Result, error) {
	if c.gate != nil && !c.gate.CompileAllowed() {
		return Result{}, ErrNotAllowed
	}
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrCompileInFlight
	}
	defer c.running.Store(false)
	res := c.execute(ctx, c.newID())
	return res, res.err
}

// Wait blocks until any background compile has completed.
func (c *Compiler) Wait() {
	c.wg.Wait()
}

func (c *Compiler) execute(ctx context.Context, id string) Result {
	res := Result{ID: id, StartedAt: c.clock()}
	logger := c.logger.With("compile_id", id)

	err := c.compile(ctx, logger, &res)

	res.EndedAt = c.clock()
	res.Duration = res.EndedAt.Sub(res.StartedAt)
	res.ErrorKind = ErrorKind(err)
	res.err = err
	if err != nil {
		res.Error = err.Error()
		res.Asset = ""
		var empty *EmptyInputError
		if errors.As(err, &empty) {
			logger.Info("compile skipped", "reason", err.Error())
		} else {
			logger.Error("compile failed", "error", err, "kind", res.ErrorKind)
		}
	} else {
		logger.Info("compile finished", "asset", res.Asset, "frames", res.Frames, "skipped", res.Skipped, "duration", res.Duration.String())
	}

	c.mu.Lock()
	stored := res
	c.last = &stored
	c.mu.Unlock()

	c.publisher.Publish(events.CompileFinished(res.EndedAt, id, res.Asset, res.Skipped, res.ErrorKind, err))
	if c.onComplete != nil {
		c.onComplete(res)
	}
	return res
}

func (c *Compiler) compile(ctx context.Context, logger *slog.Logger, res *Result) error {
	frames, err := c.source.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot frames: %w", err)
	}
	res.Frames = len(frames)
	c.publisher.Publish(events.CompileStarted(c.clock(), res.ID, len(frames)))
	if len(frames) == 0 {
		return &EmptyInputError{Dir: c.source.Dir()}
	}
	logger.Info("compile started", "frames", len(frames), "output", c.output)

	cfg := c.encoder
	cfg.Path = filepath.Join(filepath.Dir(c.output), fmt.Sprintf(".%s-%s.tmp", filepath.Base(c.output), res.ID))
	enc, err := c.newEncoder(ctx, cfg)
	if err != nil {
		var initErr *EncoderInitError
		if !errors.As(err, &initErr) {
			err = &EncoderInitError{Err: err}
		}
		_ = os.Remove(cfg.Path)
		return err
	}

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			enc.Abort()
			return err
		}
		img, err := c.decode(frame.Path)
		if err != nil {
			res.Skipped++
			logger.Warn("frame skipped", "path", frame.Path, "error", err)
			c.progress(res.ID, i+1, len(frames))
			continue
		}

		select {
		case <-ctx.Done():
			enc.Abort()
			return ctx.Err()
		case <-enc.Ready():
		}

		canvas := c.compositor.Compose(img, Label(frame, c.loc, c.clock))
		if err := enc.Append(canvas, PresentationTime(i, cfg.FrameRate)); err != nil {
			enc.Abort()
			var rejected *InputRejectedError
			if !errors.As(err, &rejected) {
				err = &InputRejectedError{Index: i, Err: err}
			}
			return err
		}
		res.Encoded++
		c.progress(res.ID, i+1, len(frames))
	}

	if res.Encoded == 0 {
		enc.Abort()
		return &EmptyInputError{Dir: c.source.Dir(), Skipped: res.Skipped}
	}

	if err := enc.Finish(ctx); err != nil {
		enc.Abort()
		var writeErr *EncoderWriteError
		if !errors.As(err, &writeErr) && !errors.Is(err, context.Canceled) {
			err = &EncoderWriteError{Err: err}
		}
		return err
	}
	if err := replaceAsset(cfg.Path, c.output); err != nil {
		_ = os.Remove(cfg.Path)
		return &EncoderWriteError{Err: err}
	}
	res.Asset = c.output
	return nil
}

func (c *Compiler) progress(id string, completed, total int) {
	c.publisher.Publish(events.CompileProgress(c.clock(), id, completed, total))
	if c.onProgress != nil {
		c.onProgress(Progress{ID: id, Completed: completed, Total: total})
	}
}

// replaceAsset swaps the finished temp file over the previous asset.
func replaceAsset(tmp, dest string) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("inspect encoded output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("encoder produced an empty file")
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous asset: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("publish asset: %w", err)
	}
	return nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
