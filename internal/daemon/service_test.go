package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinefirst/screenwatch/internal/server"
	"github.com/offlinefirst/screenwatch/pkg/capture"
	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/framestore"
	"github.com/offlinefirst/screenwatch/pkg/runmanifest"
	"github.com/offlinefirst/screenwatch/pkg/screenshots"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

type stubEncoder struct {
	path   string
	ready  chan struct{}
	frames int
}

func newStubEncoder(_ context.Context, cfg video.EncoderConfig) (video.Encoder, error) {
	enc := &stubEncoder{path: cfg.Path, ready: make(chan struct{}, 1)}
	enc.ready <- struct{}{}
	return enc, nil
}

func (e *stubEncoder) Ready() <-chan struct{} { return e.ready }

func (e *stubEncoder) Append(*image.RGBA, time.Duration) error {
	e.frames++
	e.ready <- struct{}{}
	return nil
}

func (e *stubEncoder) Finish(context.Context) error {
	return os.WriteFile(e.path, []byte("mp4"), 0o644)
}

func (e *stubEncoder) Abort() { _ = os.Remove(e.path) }

type idleTicker struct{ ch chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.ch }
func (t idleTicker) Stop()               {}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.CaptureDir = filepath.Join(root, "shots")
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Paths.SettingsFile = filepath.Join(root, "state", "settings.yaml")
	cfg.Capture.Backend = config.BackendSynthetic
	cfg.Capture.Capacity = 8
	cfg.Compile.Width = 64
	cfg.Compile.Height = 36
	cfg.Compile.FFmpegBinary = "screenwatch-test-missing-ffmpeg"
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

type running struct {
	svc  *Service
	base string
	done chan error
}

func startService(t *testing.T, ctx context.Context, cfg config.Config) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc, err := New(Options{
		Config:     cfg,
		Capturer:   screenshots.NewSynthetic(),
		NewEncoder: newStubEncoder,
		Listener:   ln,
		NewTicker:  func(time.Duration) capture.Ticker { return idleTicker{ch: make(chan time.Time)} },
		Hostname:   func() (string, error) { return "test-host", nil },
		Version:    "test",
	})
	require.NoError(t, err)

	r := &running{svc: svc, base: "http://" + ln.Addr().String(), done: make(chan error, 1)}
	go func() { r.done <- svc.Run(ctx) }()
	return r
}

func (r *running) fetchStatus() (server.Status, error) {
	var st server.Status
	resp, err := http.Get(r.base + "/api/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, errors.New(resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func (r *running) status(t *testing.T) server.Status {
	t.Helper()
	st, err := r.fetchStatus()
	require.NoError(t, err)
	return st
}

func (r *running) post(t *testing.T, path, body string) int {
	t.Helper()
	resp, err := http.Post(r.base+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	cfg := testConfig(t)
	r := startService(t, context.Background(), cfg)

	require.Eventually(t, func() bool {
		st, err := r.fetchStatus()
		return err == nil && st.Frames == 1
	}, 5*time.Second, 20*time.Millisecond)

	st := r.status(t)
	assert.Equal(t, "idle", st.State)
	assert.True(t, st.DefaultPassword)
	assert.False(t, st.AssetPresent)
	assert.Equal(t, r.svc.RunID(), st.RunID)

	assert.Equal(t, http.StatusForbidden, r.post(t, "/api/unlock", `{"secret":"admin1234"}`))
	assert.Equal(t, "idle", r.status(t).State)
	assert.Equal(t, http.StatusOK, r.post(t, "/api/unlock", `{"secret":"admin123"}`))
	assert.Equal(t, "authorized", r.status(t).State)

	assert.Equal(t, http.StatusAccepted, r.post(t, "/api/compile", ``))
	require.Eventually(t, func() bool {
		st, err := r.fetchStatus()
		return err == nil && st.AssetPresent && st.LastCompile != nil
	}, 5*time.Second, 20*time.Millisecond)
	st = r.status(t)
	assert.Equal(t, video.KindOK, st.LastCompile.ErrorKind)
	assert.Equal(t, 1, st.LastCompile.Encoded)

	resp, err := http.Get(r.base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusAccepted, r.post(t, "/api/shutdown", ``))
	require.NoError(t, r.wait(t))

	manifestPath := filepath.Join(cfg.Paths.StateDir, "runs", r.svc.RunID(), "manifest.json")
	man, err := runmanifest.Load(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, runmanifest.StateCompleted, man.Status.State)
	assert.Equal(t, "api", man.Status.Termination)
	assert.Equal(t, "test-host", man.Hostname)
	require.NotNil(t, man.Status.LastCompile)
	assert.Equal(t, video.KindOK, man.Status.LastCompile.ErrorKind)
	require.Len(t, man.Status.Subsystems, 2)
	assert.Equal(t, runmanifest.SubsystemStateReady, man.Status.Subsystems[0].State)
	assert.Equal(t, runmanifest.SubsystemStateUnavailable, man.Status.Subsystems[1].State)

	states := make([]string, 0, len(man.Status.Controller))
	for _, entry := range man.Status.Controller {
		states = append(states, entry.State)
	}
	assert.Equal(t, []string{"idle", "authorized", "shutting_down"}, states)
}

func TestServiceStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := startService(t, ctx, cfg)

	require.Eventually(t, func() bool {
		_, err := r.fetchStatus()
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, r.wait(t))

	man, err := runmanifest.Load(filepath.Join(cfg.Paths.StateDir, "runs", r.svc.RunID(), "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "signal", man.Status.Termination)
	assert.NotNil(t, man.Status.EndedAt)

	_, err = r.svc.RequestCompile()
	assert.ErrorIs(t, err, video.ErrNotAllowed)
	assert.Error(t, r.svc.Run(context.Background()))
}

func TestServiceChangePassword(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(Options{
		Config:     cfg,
		Capturer:   screenshots.NewSynthetic(),
		NewEncoder: newStubEncoder,
	})
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword("admin123", "hunter2", "hunter2"))
	ok, err := svc.Unlock("admin123")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.Unlock("hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := svc.Status()
	require.NoError(t, err)
	assert.False(t, st.DefaultPassword)
	assert.Equal(t, "authorized", st.State)
}

func TestNewResetsCaptureDirectory(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Paths.CaptureDir, 0o755))
	stale := filepath.Join(cfg.Paths.CaptureDir, framestore.FileName(time.Now(), 7))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	asset := filepath.Join(cfg.Paths.CaptureDir, cfg.Compile.AssetName)
	require.NoError(t, os.WriteFile(asset, []byte("old"), 0o644))

	svc, err := New(Options{Config: cfg, Capturer: screenshots.NewSynthetic(), NewEncoder: newStubEncoder})
	require.NoError(t, err)

	st, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Frames)
	assert.False(t, st.AssetPresent)
}

func writeFrame(t *testing.T, dir string, at time.Time, seq int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetRGBA(0, 0, color.RGBA{R: 0xff, A: 0xff})
	f, err := os.Create(filepath.Join(dir, framestore.FileName(at, seq)))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestCompileOffline(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Paths.CaptureDir, 0o755))

	_, err := CompileOffline(context.Background(), cfg, OfflineOptions{NewEncoder: newStubEncoder})
	var empty *video.EmptyInputError
	require.True(t, errors.As(err, &empty), "expected EmptyInputError, got %v", err)

	base := time.Date(2025, 6, 28, 10, 0, 0, 0, time.Local)
	writeFrame(t, cfg.Paths.CaptureDir, base, 1)
	writeFrame(t, cfg.Paths.CaptureDir, base.Add(5*time.Second), 2)

	var progress []video.Progress
	res, err := CompileOffline(context.Background(), cfg, OfflineOptions{
		NewEncoder: newStubEncoder,
		OnProgress: func(p video.Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Encoded)
	assert.Equal(t, filepath.Join(cfg.Paths.CaptureDir, cfg.Compile.AssetName), res.Asset)
	assert.FileExists(t, res.Asset)
	require.NotEmpty(t, progress)
	assert.Equal(t, 2, progress[len(progress)-1].Completed)

	entries, err := os.ReadDir(cfg.Paths.CaptureDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
