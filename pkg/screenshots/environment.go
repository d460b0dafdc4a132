package screenshots

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/permissions"
)

// Environment describes screenshot capture availability.
type Environment struct {
	Provider   string
	Available  bool
	Permission string
	Message    string
	Guidance   string
}

// DetectorOptions controls environment probing.
type DetectorOptions struct {
	Capture  config.CaptureConfig
	LookPath func(string) (string, error)
	Lookup   permissions.LookupEnvFunc
}

// DetectEnvironment reports whether the configured backend can run on this host.
func DetectEnvironment(opts DetectorOptions) Environment {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	screenRecording := permissions.ProbeScreenRecording(opts.Lookup)

	env := Environment{
		Provider:   opts.Capture.Backend,
		Permission: screenRecording.StatusString(),
		Message:    screenRecording.Message,
		Guidance:   screenRecording.Guidance,
		Available:  true,
	}

	switch opts.Capture.Backend {
	case config.BackendSynthetic:
		env.Permission = permissions.NotApplicable
		env.Message = "synthetic capture backend"
	case config.BackendCommand:
		if len(opts.Capture.Command) == 0 {
			env.Available = false
			env.Message = "capture command not configured"
			break
		}
		if _, err := lookPath(opts.Capture.Command[0]); err != nil {
			env.Available = false
			env.Message = fmt.Sprintf("capture command %q not found", opts.Capture.Command[0])
			break
		}
		if screenRecording.Status == permissions.StatusDenied {
			env.Available = false
			if env.Message == "" {
				env.Message = "screen recording permission missing"
			}
		}
		if runtime.GOOS == "darwin" && env.Guidance == "" {
			env.Guidance = "grant Screen Recording to the terminal or daemon in System Settings > Privacy & Security"
		}
	default:
		env.Available = false
		env.Message = fmt.Sprintf("unsupported backend %q", opts.Capture.Backend)
	}
	return env
}
