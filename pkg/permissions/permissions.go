package permissions

import (
	"os"
	"runtime"
	"strings"
)

// Status enumerates coarse permission results for macOS-style prompts.
type Status string

const (
	// StatusUnknown indicates no explicit signal about permission state.
	StatusUnknown Status = "unknown"
	// StatusGranted signals that permission was previously granted.
	StatusGranted Status = "granted"
	// StatusDenied indicates the user has explicitly denied access.
	StatusDenied Status = "denied"
	// StatusPromptRequired means the platform will prompt at runtime.
	StatusPromptRequired Status = "prompt"
	// StatusUnavailable reports that the capability is not supported.
	StatusUnavailable Status = "unavailable"
)

// NotApplicable is reported when a backend needs no OS permission.
const NotApplicable = "not_applicable"

// ScreenRecordingEnv overrides the screen recording probe, e.g. for CI.
const ScreenRecordingEnv = "SCREENWATCH_SCREEN_RECORDING"

// ProbeResult represents the coarse state for a permission surface.
type ProbeResult struct {
	Status   Status
	Message  string
	Guidance string
}

// LookupEnvFunc exposes environment probing for testability.
type LookupEnvFunc func(string) (string, bool)

// lookupEnv is declared for swapping in tests.
var lookupEnv = os.LookupEnv

// ProbeScreenRecording inspects the execution environment for screen recording permissions.
func ProbeScreenRecording(lookup LookupEnvFunc) ProbeResult {
	if lookup == nil {
		lookup = lookupEnv
	}
	if value, ok := lookup(ScreenRecordingEnv); ok {
		return interpretPermissionFlag("screen recording", value)
	}
	switch runtime.GOOS {
	case "darwin":
		return ProbeResult{Status: StatusPromptRequired, Message: "awaiting macOS screen recording authorisation"}
	case "linux", "windows":
		return ProbeResult{Status: StatusGranted, Message: "no screen recording gate on this platform"}
	default:
		return ProbeResult{Status: StatusUnavailable, Message: "screen recording unsupported on this platform"}
	}
}

func interpretPermissionFlag(name, value string) ProbeResult {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "granted", "allow", "allowed", "yes", "true":
		return ProbeResult{Status: StatusGranted, Message: name + " permission pre-authorised via env override"}
	case "denied", "no", "false", "blocked":
		return ProbeResult{Status: StatusDenied, Message: name + " permission denied via env override", Guidance: "use 'tccutil reset ScreenCapture' or unset " + ScreenRecordingEnv + " to re-test"}
	case "prompt", "ask":
		return ProbeResult{Status: StatusPromptRequired, Message: name + " permission will prompt at runtime"}
	case "unavailable", "unsupported":
		return ProbeResult{Status: StatusUnavailable, Message: name + " permission unavailable on this platform"}
	default:
		return ProbeResult{Status: StatusUnknown, Message: name + " permission state unknown"}
	}
}

// StatusString returns the string representation for status reports.
func (p ProbeResult) StatusString() string {
	if p.Status == "" {
		return string(StatusUnknown)
	}
	return string(p.Status)
}
