package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultFileName is read from the working directory when no explicit path is given.
	DefaultFileName = "screenwatch.yaml"
	// EnvPrefix namespaces environment overrides, e.g. SCREENWATCH_CAPTURE_INTERVAL_SECONDS.
	EnvPrefix = "SCREENWATCH"
)

// Capture backends understood by the screenshots package.
const (
	BackendCommand   = "command"
	BackendSynthetic = "synthetic"
)

// Config captures the user-adjustable knobs for capture, retention and compilation.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths"`
	Capture CaptureConfig `mapstructure:"capture"`
	Compile CompileConfig `mapstructure:"compile"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`

	// Source indicates where the configuration originated (defaults or a file path).
	Source string `mapstructure:"-"`
}

// PathsConfig controls filesystem locations used by the daemon.
type PathsConfig struct {
	CaptureDir   string `mapstructure:"capture_dir"`
	StateDir     string `mapstructure:"state_dir"`
	SettingsFile string `mapstructure:"settings_file"`
}

// CaptureConfig controls screenshot cadence and retention.
type CaptureConfig struct {
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	Capacity        int      `mapstructure:"capacity"`
	Backend         string   `mapstructure:"backend"`
	Command         []string `mapstructure:"command"`
	ResetOnStart    bool     `mapstructure:"reset_on_start"`
}

// CompileConfig defines the output canvas and the ffmpeg encoder settings.
type CompileConfig struct {
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	FrameRate    int    `mapstructure:"frame_rate"`
	AssetName    string `mapstructure:"asset_name"`
	FFmpegBinary string `mapstructure:"ffmpeg_binary"`
	Codec        string `mapstructure:"codec"`
	Bitrate      string `mapstructure:"bitrate"`
	PixelFormat  string `mapstructure:"pixel_format"`
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// LoggingConfig defines log verbosity and formatting.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Default returns the baseline configuration used when no overrides are supplied.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			CaptureDir:   "~/Screenshots",
			StateDir:     "~/.screenwatch",
			SettingsFile: "~/.screenwatch/settings.yaml",
		},
		Capture: CaptureConfig{
			IntervalSeconds: 5,
			Capacity:        1024,
			Backend:         defaultBackend(),
			Command:         defaultCaptureCommand(),
			ResetOnStart:    true,
		},
		Compile: CompileConfig{
			Width:        1920,
			Height:       1080,
			FrameRate:    2,
			AssetName:    "timelapse.mp4",
			FFmpegBinary: "ffmpeg",
			Codec:        "libx264",
			Bitrate:      "6M",
			PixelFormat:  "yuv420p",
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:7878",
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Source: "<defaults>",
	}
}

// Load reads configuration from disk if present, otherwise returning defaults.
// When path is empty, the loader attempts to read ./screenwatch.yaml but tolerates a missing file.
// Environment variables prefixed with SCREENWATCH_ override both.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	candidate := strings.TrimSpace(path)
	explicit := candidate != ""
	if !explicit {
		candidate = DefaultFileName
	}

	source := cfg.Source
	if _, err := os.Stat(candidate); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("inspect config file %q: %w", candidate, err)
		}
		if explicit {
			return cfg, fmt.Errorf("config file %q not found", candidate)
		}
	} else {
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", candidate, err)
		}
		source = candidate
	}

	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.Source = source
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("paths.capture_dir", cfg.Paths.CaptureDir)
	v.SetDefault("paths.state_dir", cfg.Paths.StateDir)
	v.SetDefault("paths.settings_file", cfg.Paths.SettingsFile)
	v.SetDefault("capture.interval_seconds", cfg.Capture.IntervalSeconds)
	v.SetDefault("capture.capacity", cfg.Capture.Capacity)
	v.SetDefault("capture.backend", cfg.Capture.Backend)
	v.SetDefault("capture.command", cfg.Capture.Command)
	v.SetDefault("capture.reset_on_start", cfg.Capture.ResetOnStart)
	v.SetDefault("compile.width", cfg.Compile.Width)
	v.SetDefault("compile.height", cfg.Compile.Height)
	v.SetDefault("compile.frame_rate", cfg.Compile.FrameRate)
	v.SetDefault("compile.asset_name", cfg.Compile.AssetName)
	v.SetDefault("compile.ffmpeg_binary", cfg.Compile.FFmpegBinary)
	v.SetDefault("compile.codec", cfg.Compile.Codec)
	v.SetDefault("compile.bitrate", cfg.Compile.Bitrate)
	v.SetDefault("compile.pixel_format", cfg.Compile.PixelFormat)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.metrics_enabled", cfg.Server.MetricsEnabled)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
}

// Validate ensures essential configuration values are present and sensible.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Paths.CaptureDir) == "" {
		return errors.New("paths.capture_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.SettingsFile) == "" {
		return errors.New("paths.settings_file must not be empty")
	}

	if _, err := NormalizeLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := NormalizeFormat(c.Logging.Format); err != nil {
		return err
	}

	if c.Capture.IntervalSeconds <= 0 {
		return errors.New("capture.interval_seconds must be positive")
	}
	if c.Capture.Capacity <= 0 {
		return errors.New("capture.capacity must be positive")
	}
	switch c.Capture.Backend {
	case BackendCommand:
		if len(c.Capture.Command) == 0 {
			return errors.New("capture.command must not be empty for the command backend")
		}
	case BackendSynthetic:
	default:
		return fmt.Errorf("unsupported capture.backend %q", c.Capture.Backend)
	}

	if c.Compile.Width <= 0 || c.Compile.Height <= 0 {
		return errors.New("compile.width and compile.height must be positive")
	}
	if c.Compile.Width%2 != 0 || c.Compile.Height%2 != 0 {
		return errors.New("compile.width and compile.height must be even")
	}
	if c.Compile.FrameRate <= 0 {
		return errors.New("compile.frame_rate must be positive")
	}
	if strings.ContainsAny(c.Compile.AssetName, `/\`) || strings.TrimSpace(c.Compile.AssetName) == "" {
		return errors.New("compile.asset_name must be a bare file name")
	}
	if strings.HasSuffix(strings.ToLower(c.Compile.AssetName), ".png") {
		return errors.New("compile.asset_name must not use the .png extension")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must not be empty")
	}
	return nil
}

func (c *Config) normalize() {
	defaults := Default()

	c.Paths.CaptureDir = cleanPath(c.Paths.CaptureDir, defaults.Paths.CaptureDir)
	c.Paths.StateDir = cleanPath(c.Paths.StateDir, defaults.Paths.StateDir)
	c.Paths.SettingsFile = cleanPath(c.Paths.SettingsFile, defaults.Paths.SettingsFile)

	if lvl, err := NormalizeLogLevel(c.Logging.Level); err == nil {
		c.Logging.Level = lvl
	}
	if format, err := NormalizeFormat(c.Logging.Format); err == nil {
		c.Logging.Format = format
	}
	if strings.TrimSpace(c.Logging.File) != "" {
		c.Logging.File = ExpandHome(strings.TrimSpace(c.Logging.File))
	}

	c.Capture.Backend = strings.ToLower(strings.TrimSpace(c.Capture.Backend))
	if c.Capture.Backend == "" {
		c.Capture.Backend = defaults.Capture.Backend
	}
	if c.Capture.IntervalSeconds <= 0 {
		c.Capture.IntervalSeconds = defaults.Capture.IntervalSeconds
	}
	if c.Capture.Capacity <= 0 {
		c.Capture.Capacity = defaults.Capture.Capacity
	}
	if c.Compile.FrameRate <= 0 {
		c.Compile.FrameRate = defaults.Compile.FrameRate
	}
	c.Compile.AssetName = strings.TrimSpace(c.Compile.AssetName)
	if c.Compile.AssetName == "" {
		c.Compile.AssetName = defaults.Compile.AssetName
	}
	if strings.TrimSpace(c.Compile.FFmpegBinary) == "" {
		c.Compile.FFmpegBinary = defaults.Compile.FFmpegBinary
	}
}

func cleanPath(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = fallback
	}
	cleaned := filepath.Clean(ExpandHome(trimmed))
	if cleaned == "." {
		return filepath.Clean(ExpandHome(fallback))
	}
	return cleaned
}

// ExpandHome resolves a leading "~" against the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// NormalizeLogLevel validates and lowercases known logging levels.
func NormalizeLogLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return "info", nil
	case "debug":
		return "debug", nil
	case "warn", "warning":
		return "warn", nil
	case "error":
		return "error", nil
	default:
		return "", fmt.Errorf("unsupported log level %q", level)
	}
}

// NormalizeFormat validates and canonicalizes logging format identifiers.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return "json", nil
	case "console", "text":
		return "console", nil
	default:
		return "", fmt.Errorf("unsupported log format %q", format)
	}
}
