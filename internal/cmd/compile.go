package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/screenwatch/internal/daemon"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

// compileOffline is swapped in tests.
var compileOffline = daemon.CompileOffline

func (rc *RootCommand) newCompileCommand() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the retained frames into the time-lapse asset",
		Long: "Asks the running daemon to compile in the background. With --offline the\n" +
			"frames on disk are compiled in this process and no daemon is needed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := rc.ensureAppContext()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if offline {
				return runOfflineCompile(cmd, app, out)
			}

			id, accepted, reason, err := newAPIClient(app.Config.Server.Addr).Compile(cmd.Context())
			if err != nil {
				return err
			}
			if !accepted {
				fmt.Fprintln(out, yellow("compile not started: "+reason))
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", green("compile started:"), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Compile in this process instead of asking the daemon")
	return cmd
}

func runOfflineCompile(cmd *cobra.Command, app *AppContext, out io.Writer) error {
	last := -10
	res, err := compileOffline(cmd.Context(), app.Config, daemon.OfflineOptions{
		Logger: app.Logger,
		OnProgress: func(p video.Progress) {
			pct := int(p.Fraction() * 100)
			if pct >= last+10 || p.Completed == p.Total {
				last = pct
				fmt.Fprintf(out, "  %3d%% (%d/%d)\n", pct, p.Completed, p.Total)
			}
		},
	})
	var empty *video.EmptyInputError
	if errors.As(err, &empty) {
		fmt.Fprintln(out, yellow("nothing to compile: "+err.Error()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("compile (%s): %w", video.ErrorKind(err), err)
	}
	fmt.Fprintf(out, "%s %s (%d frames, %d skipped, %s)\n", green("compiled"), res.Asset, res.Encoded, res.Skipped, res.Duration.Round(time.Millisecond))
	return nil
}
