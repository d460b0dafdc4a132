package video

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// Provider identifiers for status reporting.
const (
	ProviderFFmpeg = "ffmpeg"
)

// Environment describes whether the encoder can run on this host.
type Environment struct {
	Provider  string
	Binary    string
	Version   string
	Available bool
	Message   string
	Guidance  string
}

// DetectorOptions controls encoder probing.
type DetectorOptions struct {
	Binary   string
	LookPath func(string) (string, error)
	// Version runs "<binary> -version"; nil uses exec.
	Version func(ctx context.Context, path string) (string, error)
}

// DetectEnvironment probes for the ffmpeg binary and its version banner.
func DetectEnvironment(ctx context.Context, opts DetectorOptions) Environment {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	version := opts.Version
	if version == nil {
		version = ffmpegVersion
	}

	env := Environment{Provider: ProviderFFmpeg, Binary: binary}
	resolved, err := lookPath(binary)
	if err != nil {
		env.Message = "ffmpeg not found: " + err.Error()
		env.Guidance = "install ffmpeg (brew install ffmpeg, apt install ffmpeg) or set compile.ffmpeg_binary"
		return env
	}
	env.Binary = resolved
	env.Available = true

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	banner, err := version(probeCtx, resolved)
	if err != nil {
		env.Message = "ffmpeg found but version probe failed: " + err.Error()
		return env
	}
	env.Version = banner
	env.Message = "ffmpeg encoder available"
	return env
}

func ffmpegVersion(ctx context.Context, path string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "-version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(out.String(), "\n")
	return strings.TrimSpace(line), nil
}
