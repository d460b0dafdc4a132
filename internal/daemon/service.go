// Package daemon assembles the capture pipeline, the compiler and the control
// API into one long-running service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/offlinefirst/screenwatch/internal/server"
	"github.com/offlinefirst/screenwatch/pkg/capture"
	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/framestore"
	"github.com/offlinefirst/screenwatch/pkg/lifecycle"
	"github.com/offlinefirst/screenwatch/pkg/logging"
	"github.com/offlinefirst/screenwatch/pkg/metrics"
	"github.com/offlinefirst/screenwatch/pkg/runmanifest"
	"github.com/offlinefirst/screenwatch/pkg/screenshots"
	"github.com/offlinefirst/screenwatch/pkg/settings"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

// Options configure a Service. Only Config is required; the remaining fields
// are seams for tests and the CLI.
type Options struct {
	Config config.Config
	Logger *slog.Logger

	// Capturer replaces the backend selected by Config.Capture.
	Capturer screenshots.Capturer
	// Teardown kills outstanding capture work; used with Capturer.
	Teardown   screenshots.TeardownFunc
	NewEncoder video.EncoderFactory
	// Listener replaces listening on Config.Server.Addr.
	Listener  net.Listener
	NewTicker func(time.Duration) capture.Ticker
	// Registry receives the metrics collectors; a private registry is used when nil.
	Registry *prometheus.Registry

	Clock    func() time.Time
	Hostname func() (string, error)
	Version  string
}

// Service owns one lifecycle controller, frame store, scheduler, compiler and
// event bus for the lifetime of the process.
type Service struct {
	cfg    config.Config
	logger *slog.Logger
	clock  func() time.Time

	settings  *settings.Store
	bus       *events.Bus
	recorder  *metrics.Recorder
	manifest  *runmanifest.Writer
	runID     string
	ctrl      *lifecycle.Controller
	store     *framestore.Store
	scheduler *capture.Scheduler
	compiler  *video.Compiler
	server    *server.Server
	listener  net.Listener
	teardown  screenshots.TeardownFunc

	runOnce sync.Once
}

// New wires every component. Nothing runs until Run is called, but the frame
// directory is prepared (and reset when configured) immediately.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	logger := logging.Component(opts.Logger, "daemon")
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	hostname := opts.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}

	s := &Service{cfg: cfg, logger: logger, clock: clock, bus: events.NewBus(), listener: opts.Listener}

	creds, err := settings.Open(cfg.Paths.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	s.settings = creds
	if creds.IsDefault() {
		logger.Warn("default unlock password in effect; change it with `screenwatch passwd`")
	}

	var metricsHandler http.Handler
	if cfg.Server.MetricsEnabled {
		reg := opts.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		recorder, err := metrics.NewRecorder(metrics.DefaultNamespace, reg)
		if err != nil {
			return nil, err
		}
		s.recorder = recorder
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if err := s.openManifest(opts, hostname); err != nil {
		return nil, err
	}

	publisher := events.Fanout{s.bus, s.manifest}
	if s.recorder != nil {
		publisher = append(publisher, s.recorder)
	}

	ctrl, err := lifecycle.NewController(lifecycle.Options{
		Verifier:  creds,
		Clock:     clock,
		Publisher: publisher,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl
	publisher.Publish(events.StateChanged(clock(), lifecycle.Idle.String(), "startup"))

	capturer, teardown := opts.Capturer, opts.Teardown
	if capturer == nil {
		capturer, teardown, err = screenshots.New(cfg.Capture)
		if err != nil {
			return nil, fmt.Errorf("select capture backend: %w", err)
		}
	}
	if teardown == nil {
		teardown = func() {}
	}
	s.teardown = teardown

	store, err := framestore.Open(framestore.Options{
		Dir:       cfg.Paths.CaptureDir,
		Capacity:  cfg.Capture.Capacity,
		AssetName: cfg.Compile.AssetName,
		Capturer:  capturer,
		Reset:     cfg.Capture.ResetOnStart,
		Clock:     clock,
		Publisher: publisher,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open frame store: %w", err)
	}
	s.store = store
	if n, err := store.Count(); err == nil {
		s.recorder.SetFrames(n)
		_ = s.manifest.Update(func(m *runmanifest.Manifest) { m.Status.Frames = n })
	}

	scheduler, err := capture.NewScheduler(capture.Options{
		Interval:  time.Duration(cfg.Capture.IntervalSeconds) * time.Second,
		Gate:      ctrl,
		Store:     store,
		NewTicker: opts.NewTicker,
		Clock:     clock,
		Publisher: publisher,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler

	compiler, err := video.NewCompiler(video.Options{
		Source:     store,
		Gate:       ctrl,
		OutputPath: store.AssetPath(),
		Encoder:    EncoderConfig(cfg.Compile),
		NewEncoder: opts.NewEncoder,
		OnComplete: func(res video.Result) { s.recorder.ObserveCompile(res.Duration) },
		Clock:      clock,
		Publisher:  publisher,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.compiler = compiler

	srv, err := server.New(server.Options{
		Addr:    cfg.Server.Addr,
		Backend: s,
		Metrics: metricsHandler,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.server = srv
	return s, nil
}

// EncoderConfig maps the compile settings onto the encoder parameters.
func EncoderConfig(cfg config.CompileConfig) video.EncoderConfig {
	return video.EncoderConfig{
		Width:       cfg.Width,
		Height:      cfg.Height,
		FrameRate:   cfg.FrameRate,
		Binary:      cfg.FFmpegBinary,
		Codec:       cfg.Codec,
		Bitrate:     cfg.Bitrate,
		PixelFormat: cfg.PixelFormat,
	}
}

func (s *Service) openManifest(opts Options, hostname func() (string, error)) error {
	cfg := s.cfg
	runsDir := RunsDir(cfg)
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return fmt.Errorf("ensure runs directory: %w", err)
	}
	now := s.clock()
	runID, err := runmanifest.ResolveRunID(runsDir, now)
	if err != nil {
		return fmt.Errorf("resolve run id: %w", err)
	}
	layout := runmanifest.BuildLayout(runsDir, runID)
	if err := runmanifest.EnsureFilesystem(layout); err != nil {
		return fmt.Errorf("prepare run filesystem: %w", err)
	}
	host, err := hostname()
	if err != nil {
		host = "unknown"
	}

	man := runmanifest.New(runmanifest.Options{
		RunID:      runID,
		CreatedAt:  now,
		Hostname:   host,
		AppVersion: opts.Version,
		Config:     cfg,
		Layout:     layout,
	})
	man.Status.Subsystems = Subsystems(context.Background(), cfg, opts.Capturer != nil)

	writer, err := runmanifest.NewWriter(man, layout.ManifestPath, opts.Logger)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	s.manifest = writer
	s.runID = runID
	return nil
}

// RunsDir is where per-run manifests are written.
func RunsDir(cfg config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "runs")
}

// Subsystems probes the capture backend and the encoder. injected marks a
// capturer supplied by the caller, which is always reported ready.
func Subsystems(ctx context.Context, cfg config.Config, injected bool) []runmanifest.SubsystemStatus {
	shots := screenshots.DetectEnvironment(screenshots.DetectorOptions{Capture: cfg.Capture})
	captureStatus := runmanifest.SubsystemStatus{
		Name:       "capture",
		Available:  shots.Available || injected,
		Provider:   shots.Provider,
		Permission: shots.Permission,
		Message:    shots.Message,
	}
	if injected {
		captureStatus.Provider = "injected"
		captureStatus.Message = "capturer supplied by caller"
	}

	enc := video.DetectEnvironment(ctx, video.DetectorOptions{Binary: cfg.Compile.FFmpegBinary})
	encoderStatus := runmanifest.SubsystemStatus{
		Name:      "encoder",
		Available: enc.Available,
		Provider:  enc.Provider,
		Message:   enc.Message,
	}

	out := []runmanifest.SubsystemStatus{captureStatus, encoderStatus}
	for i := range out {
		out[i].State = runmanifest.SubsystemStateUnavailable
		if out[i].Available {
			out[i].State = runmanifest.SubsystemStateReady
		}
	}
	return out
}

// RunID identifies the manifest written for this process.
func (s *Service) RunID() string { return s.runID }

// Controller exposes the lifecycle gate.
func (s *Service) Controller() *lifecycle.Controller { return s.ctrl }

// Run captures, serves the control API and waits for shutdown. It returns
// after the lifecycle reaches ShuttingDown (via the API or ctx) and any
// in-flight compile has finished.
func (s *Service) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("service already ran")
	}

	startedAt := s.clock().UTC()
	_ = s.manifest.Update(func(m *runmanifest.Manifest) {
		m.Status.State = runmanifest.StateRunning
		m.Status.StartedAt = &startedAt
	})
	s.logger.Info("daemon started", "run_id", s.runID, "capture_dir", s.store.Dir(), "capacity", s.store.Capacity(), "addr", s.cfg.Server.Addr)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.scheduler.Run(gctx)
	})
	g.Go(func() error {
		if s.listener != nil {
			return s.server.Serve(gctx, s.listener)
		}
		return s.server.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-s.ctrl.Done():
		case <-gctx.Done():
			reason := "signal"
			if ctx.Err() == nil {
				reason = "error"
			}
			s.ctrl.Shutdown(reason)
		}
		s.teardown()
		cancel()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	s.scheduler.Wait()
	if s.compiler.Running() {
		s.logger.Info("waiting for in-flight compile")
	}
	s.compiler.Wait()

	endedAt := s.clock().UTC()
	termination := "shutdown"
	if timeline := s.ctrl.Timeline(); len(timeline) > 0 {
		termination = timeline[len(timeline)-1].Reason
	}
	if saveErr := s.manifest.Update(func(m *runmanifest.Manifest) {
		m.Status.EndedAt = &endedAt
		m.Status.Termination = termination
		m.Status.State = runmanifest.StateCompleted
		if err != nil {
			m.Status.State = runmanifest.StateErrored
		}
	}); saveErr != nil {
		s.logger.Warn("failed to finalise run manifest", "error", saveErr)
	}

	if err != nil {
		s.logger.Error("daemon stopped with error", "error", err)
		return err
	}
	s.logger.Info("daemon stopped", "termination", termination)
	return nil
}

// Status implements server.Backend.
func (s *Service) Status() (server.Status, error) {
	frames, err := s.store.Count()
	if err != nil {
		return server.Status{}, err
	}
	st := server.Status{
		State:           s.ctrl.Snapshot().String(),
		Frames:          frames,
		Capacity:        s.store.Capacity(),
		CaptureDir:      s.store.Dir(),
		Asset:           s.store.AssetPath(),
		Compiling:       s.compiler.Running(),
		Scheduler:       s.scheduler.Stats(),
		RunID:           s.runID,
		DefaultPassword: s.settings.IsDefault(),
	}
	if info, err := os.Stat(st.Asset); err == nil && !info.IsDir() {
		st.AssetPresent = true
	}
	if last, ok := s.compiler.Last(); ok {
		st.LastCompile = &last
	}
	return st, nil
}

// Unlock implements server.Backend.
func (s *Service) Unlock(secret string) (bool, error) {
	return s.ctrl.Unlock(secret)
}

// Relock implements server.Backend.
func (s *Service) Relock() error {
	return s.ctrl.Relock()
}

// Shutdown implements server.Backend.
func (s *Service) Shutdown(reason string) bool {
	return s.ctrl.Shutdown(reason)
}

// RequestCompile implements server.Backend. Compiles are not tied to any
// request or to the daemon context, so shutdown never interrupts one.
func (s *Service) RequestCompile() (string, error) {
	return s.compiler.Start(context.Background())
}

// ChangePassword implements server.Backend.
func (s *Service) ChangePassword(old, next, confirm string) error {
	if err := s.settings.Update(old, next, confirm); err != nil {
		return err
	}
	s.logger.Info("unlock password changed", "settings", s.settings.Path())
	return nil
}

// Subscribe implements server.Backend.
func (s *Service) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}
