package screenshots

import (
	"context"
	"fmt"

	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/permissions"
)

// Capturer is the OS-level screenshot primitive: it writes one full-screen
// PNG to outputPath or returns an error.
type Capturer interface {
	Capture(ctx context.Context, outputPath string) error
}

// CapturerFunc adapts a function literal to the Capturer interface.
type CapturerFunc func(ctx context.Context, outputPath string) error

// Capture calls the underlying function.
func (f CapturerFunc) Capture(ctx context.Context, outputPath string) error {
	return f(ctx, outputPath)
}

// TeardownFunc kills any capture work still running. It is a no-op for
// backends without subprocesses.
type TeardownFunc func()

// New builds the capturer selected by the capture configuration.
func New(cfg config.CaptureConfig) (Capturer, TeardownFunc, error) {
	switch cfg.Backend {
	case config.BackendSynthetic:
		return NewSynthetic(), func() {}, nil
	case config.BackendCommand:
		if probe := permissions.ProbeScreenRecording(nil); probe.Status == permissions.StatusDenied {
			return nil, nil, newPermissionError(probe.Message)
		}
		cmd, err := NewCommand(CommandOptions{Argv: cfg.Command})
		if err != nil {
			return nil, nil, err
		}
		return cmd, cmd.Teardown, nil
	default:
		return nil, nil, fmt.Errorf("unsupported capture backend %q", cfg.Backend)
	}
}
