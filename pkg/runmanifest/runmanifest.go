package runmanifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/logging"
)

// SchemaVersion captures the manifest version for compatibility checks.
const SchemaVersion = 2

// Layout represents the absolute filesystem locations for a daemon run.
type Layout struct {
	Root         string
	ManifestPath string
}

// Paths holds the relative locations stored in the manifest for portability.
type Paths struct {
	Root       string `json:"root"`
	Manifest   string `json:"manifest"`
	CaptureDir string `json:"capture_dir"`
	Asset      string `json:"asset"`
}

// CaptureSettings records the retention and capture knobs in effect.
type CaptureSettings struct {
	IntervalSeconds int    `json:"interval_seconds"`
	Capacity        int    `json:"capacity"`
	Backend         string `json:"backend"`
	ResetOnStart    bool   `json:"reset_on_start"`
}

// CompileSettings records the output stream parameters.
type CompileSettings struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameRate int    `json:"frame_rate"`
	Codec     string `json:"codec"`
	Bitrate   string `json:"bitrate"`
}

// Status summarises the lifecycle of a daemon run.
type Status struct {
	State       string                    `json:"state"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	EndedAt     *time.Time                `json:"ended_at,omitempty"`
	Termination string                    `json:"termination,omitempty"`
	Controller  []ControllerTimelineEntry `json:"controller_timeline,omitempty"`
	Subsystems  []SubsystemStatus         `json:"subsystems,omitempty"`
	Frames      int                       `json:"frames"`
	Purges      int                       `json:"purges"`
	CaptureFail int                       `json:"capture_failures"`
	LastCompile *CompileOutcome           `json:"last_compile,omitempty"`
}

// ControllerTimelineEntry records lifecycle transitions for diagnostics.
type ControllerTimelineEntry struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SubsystemStatus captures availability details for capture and encoding.
type SubsystemStatus struct {
	Name       string `json:"name"`
	Available  bool   `json:"available"`
	State      string `json:"state"`
	Provider   string `json:"provider,omitempty"`
	Permission string `json:"permission,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Subsystem states used in manifests for downstream tooling.
const (
	SubsystemStateReady       = "ready"
	SubsystemStateUnavailable = "unavailable"
)

// Run states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateErrored   = "error"
)

// CompileOutcome is the last compile_finished event seen during the run.
type CompileOutcome struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Asset     string    `json:"asset,omitempty"`
	Skipped   int       `json:"skipped"`
	ErrorKind string    `json:"error_kind"`
	Error     string    `json:"error,omitempty"`
}

// Manifest is the durable metadata describing one daemon run.
type Manifest struct {
	SchemaVersion int             `json:"schema_version"`
	RunID         string          `json:"run_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Hostname      string          `json:"hostname"`
	AppVersion    string          `json:"app_version"`
	ConfigSource  string          `json:"config_source"`
	Capture       CaptureSettings `json:"capture"`
	Compile       CompileSettings `json:"compile"`
	Paths         Paths           `json:"paths"`
	Status        Status          `json:"status"`
}

// Options captures the knobs for creating a new manifest.
type Options struct {
	RunID      string
	CreatedAt  time.Time
	Hostname   string
	AppVersion string
	Config     config.Config
	Layout     Layout
}

// New constructs a manifest using the supplied options.
func New(opts Options) Manifest {
	cfg := opts.Config
	rel := opts.Layout.RelativePaths()
	rel.CaptureDir = cfg.Paths.CaptureDir
	rel.Asset = filepath.Join(cfg.Paths.CaptureDir, cfg.Compile.AssetName)
	return Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         opts.RunID,
		CreatedAt:     opts.CreatedAt.UTC(),
		Hostname:      opts.Hostname,
		AppVersion:    opts.AppVersion,
		ConfigSource:  cfg.Source,
		Capture: CaptureSettings{
			IntervalSeconds: cfg.Capture.IntervalSeconds,
			Capacity:        cfg.Capture.Capacity,
			Backend:         cfg.Capture.Backend,
			ResetOnStart:    cfg.Capture.ResetOnStart,
		},
		Compile: CompileSettings{
			Width:     cfg.Compile.Width,
			Height:    cfg.Compile.Height,
			FrameRate: cfg.Compile.FrameRate,
			Codec:     cfg.Compile.Codec,
			Bitrate:   cfg.Compile.Bitrate,
		},
		Paths:  rel,
		Status: Status{State: "pending"},
	}
}

// BuildLayout creates an absolute filesystem layout for a run.
func BuildLayout(runsDir, runID string) Layout {
	root := filepath.Join(runsDir, runID)
	return Layout{
		Root:         root,
		ManifestPath: filepath.Join(root, "manifest.json"),
	}
}

// RelativePaths exposes the manifest-friendly relative paths for the layout.
func (l Layout) RelativePaths() Paths {
	return Paths{
		Root:     ".",
		Manifest: filepath.Base(l.ManifestPath),
	}
}

// EnsureFilesystem prepares the directory tree for a run layout.
func EnsureFilesystem(layout Layout) error {
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return fmt.Errorf("create run root: %w", err)
	}
	return nil
}

// Save writes the manifest JSON to disk with indentation for readability.
func Save(man Manifest, path string) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Load reads a manifest JSON file from disk.
func Load(path string) (Manifest, error) {
	var man Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return man, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("decode manifest: %w", err)
	}
	return man, nil
}

// ResolveRunID chooses a run identifier derived from the timestamp and avoids collisions.
func ResolveRunID(runsDir string, now time.Time) (string, error) {
	if strings.TrimSpace(runsDir) == "" {
		return "", errors.New("runs directory must not be empty")
	}

	base := now.UTC().Format("20060102_150405")
	candidate := base
	suffix := 1
	for {
		_, err := os.Stat(filepath.Join(runsDir, candidate))
		if err == nil {
			candidate = fmt.Sprintf("%s_%02d", base, suffix)
			suffix++
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		return "", fmt.Errorf("inspect runs directory: %w", err)
	}
}

// Writer keeps a manifest current while the daemon runs. It consumes the
// event stream and rewrites the file on every significant change.
type Writer struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	man Manifest
}

// NewWriter persists man immediately and returns a writer bound to path.
func NewWriter(man Manifest, path string, logger *slog.Logger) (*Writer, error) {
	w := &Writer{path: path, man: man, logger: logging.Component(logger, "runmanifest")}
	if err := Save(man, path); err != nil {
		return nil, err
	}
	return w, nil
}

// Manifest returns a copy of the current manifest.
func (w *Writer) Manifest() Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	man := w.man
	man.Status.Controller = append([]ControllerTimelineEntry(nil), w.man.Status.Controller...)
	man.Status.Subsystems = append([]SubsystemStatus(nil), w.man.Status.Subsystems...)
	return man
}

// Update applies fn and saves the result.
func (w *Writer) Update(fn func(*Manifest)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.man)
	return Save(w.man, w.path)
}

// Publish implements events.Publisher. Frame counts are folded in without a
// write; every other recorded event triggers a save.
func (w *Writer) Publish(ev events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.Kind {
	case events.KindFrameCount:
		w.man.Status.Frames = ev.Count
		return
	case events.KindStateChanged:
		w.man.Status.Controller = append(w.man.Status.Controller, ControllerTimelineEntry{State: ev.State, Reason: ev.Reason, Timestamp: ev.At.UTC()})
	case events.KindPurged:
		w.man.Status.Purges++
	case events.KindCaptureFailed:
		w.man.Status.CaptureFail++
		return
	case events.KindCompileFinished:
		w.man.Status.LastCompile = &CompileOutcome{
			ID:        ev.CompileID,
			At:        ev.At.UTC(),
			Asset:     ev.Asset,
			Skipped:   ev.Skipped,
			ErrorKind: ev.ErrorKind,
			Error:     ev.Error,
		}
	default:
		return
	}
	if err := Save(w.man, w.path); err != nil {
		w.logger.Warn("failed to update run manifest", "error", err)
	}
}
