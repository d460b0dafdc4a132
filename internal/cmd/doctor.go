package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/screenwatch/internal/daemon"
	"github.com/offlinefirst/screenwatch/pkg/runmanifest"
	"github.com/offlinefirst/screenwatch/pkg/screenshots"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

// Probes are package vars so tests can avoid touching the host.
var (
	detectCapture = screenshots.DetectEnvironment
	detectEncoder = video.DetectEnvironment
)

func (rc *RootCommand) newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check capture permissions and encoder availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := rc.ensureAppContext()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cfg := app.Config

			shots := detectCapture(screenshots.DetectorOptions{Capture: cfg.Capture})
			printCheck(out, "capture", shots.Available, shots.Provider, shots.Message, shots.Guidance)
			if shots.Permission != "" {
				fmt.Fprintf(out, "    screen recording permission: %s\n", shots.Permission)
			}

			enc := detectEncoder(cmd.Context(), video.DetectorOptions{Binary: cfg.Compile.FFmpegBinary})
			detail := enc.Message
			if enc.Version != "" {
				detail = enc.Version
			}
			printCheck(out, "encoder", enc.Available, enc.Binary, detail, enc.Guidance)

			fmt.Fprintf(out, "  capture dir: %s\n", cfg.Paths.CaptureDir)
			fmt.Fprintf(out, "  run manifests: %s\n", daemon.RunsDir(cfg))
			fmt.Fprintf(out, "  settings: %s\n", cfg.Paths.SettingsFile)

			if !shots.Available || !enc.Available {
				return fmt.Errorf("environment is not ready")
			}
			return nil
		},
	}
}

func printCheck(w io.Writer, name string, ok bool, provider, message, guidance string) {
	state := green(runmanifest.SubsystemStateReady)
	if !ok {
		state = red(runmanifest.SubsystemStateUnavailable)
	}
	fmt.Fprintf(w, "  %-8s %s", name, state)
	if provider != "" {
		fmt.Fprintf(w, " provider=%s", provider)
	}
	if message != "" {
		fmt.Fprintf(w, " (%s)", message)
	}
	fmt.Fprintln(w)
	if guidance != "" && !ok {
		fmt.Fprintf(w, "    %s %s\n", yellow("hint:"), guidance)
	}
}
