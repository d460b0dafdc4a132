package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/screenwatch/internal/buildinfo"
	"github.com/offlinefirst/screenwatch/internal/daemon"
	"github.com/offlinefirst/screenwatch/pkg/runmanifest"
)

var (
	timeNow   = time.Now
	hostname  = os.Hostname
	newDaemon = daemon.New
)

func (rc *RootCommand) newRunCommand() *cobra.Command {
	var planOnly bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the capture daemon and control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := rc.ensureAppContext()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), app, planOnly, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "Print the resolved configuration without starting capture")
	return cmd
}

func runDaemon(ctx context.Context, app *AppContext, planOnly bool, stdout io.Writer) error {
	if app == nil {
		return fmt.Errorf("application context unavailable")
	}
	app.Logger.Info("run command invoked", "plan_only", planOnly, "capture_dir", app.Config.Paths.CaptureDir, "config_source", app.Config.Source)

	if planOnly {
		printRunPlan(app, stdout)
		return nil
	}

	svc, err := newDaemon(daemon.Options{
		Config:   app.Config,
		Logger:   app.Logger,
		Clock:    timeNow,
		Hostname: hostname,
		Version:  buildinfo.Version(),
	})
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "%s capturing every %ds into %s\n", green("screenwatch"), app.Config.Capture.IntervalSeconds, app.Config.Paths.CaptureDir)
	fmt.Fprintf(stdout, "Control API: http://%s\n", app.Config.Server.Addr)
	fmt.Fprintf(stdout, "Run manifest: %s\n", runmanifest.BuildLayout(daemon.RunsDir(app.Config), svc.RunID()).ManifestPath)

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}

	timeline := svc.Controller().Timeline()
	fmt.Fprintf(stdout, "Stopped at %s\n", timeNow().Format(time.RFC3339))
	if len(timeline) > 0 {
		fmt.Fprintf(stdout, "  Controller timeline:\n")
		for _, entry := range timeline {
			fmt.Fprintf(stdout, "    - %s -> %s", entry.Timestamp.Format(time.RFC3339), entry.State)
			if entry.Reason != "" {
				fmt.Fprintf(stdout, " (%s)", entry.Reason)
			}
			fmt.Fprintln(stdout)
		}
	}
	return nil
}

func printRunPlan(app *AppContext, stdout io.Writer) {
	cfg := app.Config
	fmt.Fprintf(stdout, "Resolved configuration (source: %s)\n", cfg.Source)
	fmt.Fprintf(stdout, "  paths.capture_dir: %s\n", cfg.Paths.CaptureDir)
	fmt.Fprintf(stdout, "  paths.state_dir: %s\n", cfg.Paths.StateDir)
	fmt.Fprintf(stdout, "  paths.settings_file: %s\n", cfg.Paths.SettingsFile)
	fmt.Fprintf(stdout, "  capture.interval_seconds: %d\n", cfg.Capture.IntervalSeconds)
	fmt.Fprintf(stdout, "  capture.capacity: %d\n", cfg.Capture.Capacity)
	fmt.Fprintf(stdout, "  capture.backend: %s\n", cfg.Capture.Backend)
	fmt.Fprintf(stdout, "  capture.reset_on_start: %t\n", cfg.Capture.ResetOnStart)
	fmt.Fprintf(stdout, "  compile: %dx%d @ %d fps, %s %s -> %s\n", cfg.Compile.Width, cfg.Compile.Height, cfg.Compile.FrameRate, cfg.Compile.Codec, cfg.Compile.Bitrate, cfg.Compile.AssetName)
	fmt.Fprintf(stdout, "  server.addr: %s\n", cfg.Server.Addr)
	fmt.Fprintf(stdout, "  server.metrics_enabled: %t\n", cfg.Server.MetricsEnabled)
	fmt.Fprintf(stdout, "  logging.level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(stdout, "  logging.format: %s\n", cfg.Logging.Format)
}
