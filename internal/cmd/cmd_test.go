package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/offlinefirst/screenwatch/internal/daemon"
	"github.com/offlinefirst/screenwatch/internal/server"
	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/runmanifest"
	"github.com/offlinefirst/screenwatch/pkg/screenshots"
	"github.com/offlinefirst/screenwatch/pkg/settings"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, addr string) (string, string) {
	t.Helper()
	root := t.TempDir()
	body := fmt.Sprintf(`paths:
  capture_dir: %s
  state_dir: %s
  settings_file: %s
capture:
  backend: synthetic
  interval_seconds: 60
  capacity: 4
compile:
  width: 64
  height: 36
  ffmpeg_binary: screenwatch-test-missing-ffmpeg
server:
  addr: %s
logging:
  level: warn
`, filepath.Join(root, "shots"), filepath.Join(root, "state"), filepath.Join(root, "state", "settings.yaml"), addr)
	path := filepath.Join(root, "screenwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, root
}

func execute(t *testing.T, ctx context.Context, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rc := NewRootCommand()
	rc.SetIO(strings.NewReader(stdin), &stdout, &stderr)
	err := rc.ExecuteContext(ctx, args)
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	origVersion, origGOOS := runtimeVersion, runtimeGOOS
	runtimeVersion = func() string { return "go1.24.0" }
	runtimeGOOS = func() string { return "plan9" }
	defer func() { runtimeVersion, runtimeGOOS = origVersion, origGOOS }()

	out, _, err := execute(t, context.Background(), "", "version")
	if err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if !strings.Contains(out, "(go1.24.0/plan9)") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRunCommandPlanOnly(t *testing.T) {
	cfgPath, _ := writeConfig(t, "127.0.0.1:0")

	out, _, err := execute(t, context.Background(), "", "--config", cfgPath, "run", "--plan-only")
	if err != nil {
		t.Fatalf("run --plan-only returned error: %v", err)
	}
	if !strings.Contains(out, "Resolved configuration") {
		t.Fatalf("expected plan output, got %q", out)
	}
	if !strings.Contains(out, "capture.backend: synthetic") {
		t.Fatalf("expected backend in plan output, got %q", out)
	}
}

func TestRunCommandStopsWhenContextEnds(t *testing.T) {
	cfgPath, root := writeConfig(t, "127.0.0.1:0")

	now := time.Date(2024, 5, 12, 9, 30, 0, 0, time.UTC)
	origTime := timeNow
	timeNow = func() time.Time { return now }
	defer func() { timeNow = origTime }()

	origHost := hostname
	hostname = func() (string, error) { return "test-host", nil }
	defer func() { hostname = origHost }()

	origDaemon := newDaemon
	newDaemon = func(opts daemon.Options) (*daemon.Service, error) {
		opts.Capturer = screenshots.NewSynthetic()
		return daemon.New(opts)
	}
	defer func() { newDaemon = origDaemon }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, _, err := execute(t, ctx, "", "--config", cfgPath, "run")
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	layout := runmanifest.BuildLayout(filepath.Join(root, "state", "runs"), now.Format("20060102_150405"))
	man, err := runmanifest.Load(layout.ManifestPath)
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	if man.Status.State != runmanifest.StateCompleted {
		t.Fatalf("expected completed state, got %q", man.Status.State)
	}
	if man.Status.Termination != "signal" {
		t.Fatalf("expected signal termination, got %q", man.Status.Termination)
	}
	if man.Hostname != "test-host" {
		t.Fatalf("expected hostname recorded, got %q", man.Hostname)
	}
	if !strings.Contains(out, "Controller timeline") {
		t.Fatalf("expected controller timeline in output, got %q", out)
	}
	if !strings.Contains(out, layout.ManifestPath) {
		t.Fatalf("expected manifest path in output, got %q", out)
	}
}

// fakeDaemon serves the control API routes the CLI calls.
func fakeDaemon(t *testing.T, compileBusy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, server.Status{
			State:           "idle",
			Frames:          2,
			Capacity:        4,
			Asset:           "/shots/timelapse.mp4",
			DefaultPassword: true,
			LastCompile:     &video.Result{ID: "c1", ErrorKind: video.KindOK, Encoded: 2, EndedAt: time.Date(2025, 6, 28, 10, 0, 0, 0, time.UTC)},
		})
	})
	mux.HandleFunc("/api/unlock", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Secret string `json:"secret"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Secret != "admin123" {
			writeJSON(w, http.StatusForbidden, map[string]bool{"unlocked": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"unlocked": true})
	})
	mux.HandleFunc("/api/compile", func(w http.ResponseWriter, _ *http.Request) {
		if compileBusy {
			writeJSON(w, http.StatusConflict, map[string]any{"accepted": false, "reason": video.ErrCompileInFlight.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": "c2"})
	})
	mux.HandleFunc("/api/password", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": settings.ErrWrongPassword.Error()})
	})
	mux.HandleFunc("/api/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]bool{"shutting_down": true})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusCommand(t *testing.T) {
	ts := fakeDaemon(t, false)
	cfgPath, _ := writeConfig(t, "127.0.0.1:1")

	out, _, err := execute(t, context.Background(), "", "--config", cfgPath, "--addr", ts.URL, "status")
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	for _, want := range []string{"state: idle", "frames: 2 / 4", "asset: none yet", "last compile: ok", "default unlock password"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in status output, got %q", want, out)
		}
	}
}

func TestUnlockCommand(t *testing.T) {
	ts := fakeDaemon(t, false)
	cfgPath, _ := writeConfig(t, ts.Listener.Addr().String())

	out, _, err := execute(t, context.Background(), "admin123\n", "--config", cfgPath, "unlock")
	if err != nil {
		t.Fatalf("unlock returned error: %v", err)
	}
	if !strings.Contains(out, "unlocked") {
		t.Fatalf("expected unlock confirmation, got %q", out)
	}

	_, _, err = execute(t, context.Background(), "admin123 \n", "--config", cfgPath, "unlock")
	if err == nil || !strings.Contains(err.Error(), "incorrect password") {
		t.Fatalf("expected incorrect password error, got %v", err)
	}
}

func TestCompileCommandAgainstDaemon(t *testing.T) {
	cfgPath, _ := writeConfig(t, "127.0.0.1:1")

	out, _, err := execute(t, context.Background(), "", "--config", cfgPath, "--addr", fakeDaemon(t, false).URL, "compile")
	if err != nil {
		t.Fatalf("compile returned error: %v", err)
	}
	if !strings.Contains(out, "compile started: c2") {
		t.Fatalf("expected accepted compile, got %q", out)
	}

	out, _, err = execute(t, context.Background(), "", "--config", cfgPath, "--addr", fakeDaemon(t, true).URL, "compile")
	if err != nil {
		t.Fatalf("rejected compile should not error: %v", err)
	}
	if !strings.Contains(out, "compile not started") {
		t.Fatalf("expected rejection message, got %q", out)
	}
}

func TestCompileCommandOffline(t *testing.T) {
	cfgPath, _ := writeConfig(t, "127.0.0.1:1")

	orig := compileOffline
	defer func() { compileOffline = orig }()

	compileOffline = func(_ context.Context, cfg config.Config, opts daemon.OfflineOptions) (video.Result, error) {
		opts.OnProgress(video.Progress{Completed: 1, Total: 2})
		opts.OnProgress(video.Progress{Completed: 2, Total: 2})
		return video.Result{Asset: filepath.Join(cfg.Paths.CaptureDir, cfg.Compile.AssetName), Encoded: 2}, nil
	}
	out, _, err := execute(t, context.Background(), "", "--config", cfgPath, "compile", "--offline")
	if err != nil {
		t.Fatalf("offline compile returned error: %v", err)
	}
	if !strings.Contains(out, "100% (2/2)") || !strings.Contains(out, "compiled") {
		t.Fatalf("unexpected offline compile output %q", out)
	}

	compileOffline = func(context.Context, config.Config, daemon.OfflineOptions) (video.Result, error) {
		return video.Result{}, &video.EmptyInputError{Dir: "/shots"}
	}
	out, _, err = execute(t, context.Background(), "", "--config", cfgPath, "compile", "--offline")
	if err != nil {
		t.Fatalf("empty offline compile should not error: %v", err)
	}
	if !strings.Contains(out, "nothing to compile") {
		t.Fatalf("expected empty input message, got %q", out)
	}

	compileOffline = func(context.Context, config.Config, daemon.OfflineOptions) (video.Result, error) {
		return video.Result{}, &video.EncoderInitError{Err: errors.New("ffmpeg missing")}
	}
	_, _, err = execute(t, context.Background(), "", "--config", cfgPath, "compile", "--offline")
	if err == nil || !strings.Contains(err.Error(), video.KindEncoderInit) {
		t.Fatalf("expected encoder init failure, got %v", err)
	}
}

func TestPasswdCommandOffline(t *testing.T) {
	cfgPath, root := writeConfig(t, "127.0.0.1:1")

	_, _, err := execute(t, context.Background(), "wrong\nnext\nnext\n", "--config", cfgPath, "passwd", "--offline")
	if !errors.Is(err, settings.ErrWrongPassword) {
		t.Fatalf("expected wrong password error, got %v", err)
	}

	out, _, err := execute(t, context.Background(), "admin123\nnext\nnext\n", "--config", cfgPath, "passwd", "--offline")
	if err != nil {
		t.Fatalf("passwd returned error: %v", err)
	}
	if !strings.Contains(out, "password changed") {
		t.Fatalf("expected confirmation, got %q", out)
	}

	store, err := settings.Open(filepath.Join(root, "state", "settings.yaml"))
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	if !store.Verify("next") || store.Verify("admin123") {
		t.Fatalf("expected new password persisted")
	}
}

func TestPasswdCommandAgainstDaemon(t *testing.T) {
	cfgPath, _ := writeConfig(t, "127.0.0.1:1")

	_, _, err := execute(t, context.Background(), "bad\nnext\nnext\n", "--config", cfgPath, "--addr", fakeDaemon(t, false).URL, "passwd")
	if !errors.Is(err, settings.ErrWrongPassword) {
		t.Fatalf("expected wrong password error, got %v", err)
	}
}

func TestShutdownCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t, "127.0.0.1:1")

	out, _, err := execute(t, context.Background(), "", "--config", cfgPath, "--addr", fakeDaemon(t, false).URL, "shutdown")
	if err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
	if !strings.Contains(out, "shutdown requested") {
		t.Fatalf("unexpected shutdown output %q", out)
	}
}

func TestDoctorCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t, "127.0.0.1:1")

	origCapture, origEncoder := detectCapture, detectEncoder
	defer func() { detectCapture, detectEncoder = origCapture, origEncoder }()

	detectCapture = func(screenshots.DetectorOptions) screenshots.Environment {
		return screenshots.Environment{Provider: "synthetic", Available: true, Permission: "not_applicable"}
	}
	detectEncoder = func(context.Context, video.DetectorOptions) video.Environment {
		return video.Environment{Provider: "ffmpeg", Binary: "ffmpeg", Message: "ffmpeg not found", Guidance: "install ffmpeg"}
	}

	out, _, err := execute(t, context.Background(), "", "--config", cfgPath, "doctor")
	if err == nil {
		t.Fatalf("expected doctor to fail without an encoder")
	}
	for _, want := range []string{"capture  ready", "encoder  unavailable", "hint: install ffmpeg", "screen recording permission: not_applicable"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in doctor output, got %q", want, out)
		}
	}
}

func TestNewAPIClientNormalisesAddress(t *testing.T) {
	if got := newAPIClient("127.0.0.1:7878").base; got != "http://127.0.0.1:7878" {
		t.Fatalf("unexpected base %q", got)
	}
	if got := newAPIClient("http://localhost:9/").base; got != "http://localhost:9" {
		t.Fatalf("unexpected base %q", got)
	}
}
