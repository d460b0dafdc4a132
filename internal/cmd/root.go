package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/offlinefirst/screenwatch/internal/buildinfo"
	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/logging"
)

// AppContext exposes lazily initialised configuration and logging facilities.
type AppContext struct {
	Config config.Config
	Logger *slog.Logger
	closer io.Closer
}

// RootCommand owns the cobra tree and the global flags shared by every subcommand.
type RootCommand struct {
	cmd    *cobra.Command
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	appCtx *AppContext

	configPath string
	logLevel   string
	logFormat  string
	addr       string
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// NewRootCommand constructs the CLI with its subcommands and global flags.
func NewRootCommand() *RootCommand {
	rc := &RootCommand{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	root := &cobra.Command{
		Use:           "screenwatch",
		Short:         "Periodic screenshot capture with on-demand time-lapse compilation",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return rc.close()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&rc.configPath, "config", "", "Path to config file (default: ./screenwatch.yaml if present)")
	flags.StringVar(&rc.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	flags.StringVar(&rc.logFormat, "log-format", "", "Override log output format (json, console)")
	flags.StringVar(&rc.addr, "addr", "", "Override the control API address (server.addr)")

	root.AddCommand(
		rc.newRunCommand(),
		rc.newStatusCommand(),
		rc.newUnlockCommand(),
		rc.newRelockCommand(),
		rc.newShutdownCommand(),
		rc.newCompileCommand(),
		rc.newPasswdCommand(),
		rc.newDoctorCommand(),
		rc.newVersionCommand(),
	)
	rc.cmd = root
	return rc
}

// SetIO redirects the command streams, mainly for tests.
func (rc *RootCommand) SetIO(stdin io.Reader, stdout, stderr io.Writer) {
	rc.stdin, rc.stdout, rc.stderr = stdin, stdout, stderr
}

// Execute evaluates the supplied arguments and dispatches to a subcommand.
func (rc *RootCommand) Execute(args []string) error {
	return rc.ExecuteContext(context.Background(), args)
}

// ExecuteContext is Execute with a caller-supplied context.
func (rc *RootCommand) ExecuteContext(ctx context.Context, args []string) error {
	rc.cmd.SetArgs(args)
	rc.cmd.SetIn(rc.stdin)
	rc.cmd.SetOut(rc.stdout)
	rc.cmd.SetErr(rc.stderr)
	err := rc.cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(rc.stderr, red("Error: "+err.Error()))
		_ = rc.close()
	}
	return err
}

func (rc *RootCommand) ensureAppContext() (*AppContext, error) {
	if rc.appCtx != nil {
		return rc.appCtx, nil
	}

	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return nil, err
	}

	if rc.logLevel != "" {
		lvl, err := config.NormalizeLogLevel(rc.logLevel)
		if err != nil {
			return nil, err
		}
		cfg.Logging.Level = lvl
	}
	if rc.logFormat != "" {
		format, err := config.NormalizeFormat(rc.logFormat)
		if err != nil {
			return nil, err
		}
		cfg.Logging.Format = format
	}
	if addr := strings.TrimSpace(rc.addr); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: rc.stderr,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded", "source", cfg.Source, "capture_dir", cfg.Paths.CaptureDir, "state_dir", cfg.Paths.StateDir)

	rc.appCtx = &AppContext{Config: cfg, Logger: logger, closer: closer}
	return rc.appCtx, nil
}

func (rc *RootCommand) close() error {
	if rc.appCtx == nil || rc.appCtx.closer == nil {
		return nil
	}
	err := rc.appCtx.closer.Close()
	rc.appCtx.closer = nil
	return err
}

func versionString() string {
	return fmt.Sprintf("%s (go%s/%s)", buildinfo.Version(), strings.TrimPrefix(runtimeVersion(), "go"), runtimeGOOS())
}

// runtimeVersion is extracted for testability.
var runtimeVersion = func() string { return runtime.Version() }

// runtimeGOOS is extracted for testability.
var runtimeGOOS = func() string { return runtime.GOOS }
