package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/screenwatch/internal/server"
)

func (rc *RootCommand) client() (*apiClient, error) {
	app, err := rc.ensureAppContext()
	if err != nil {
		return nil, err
	}
	return newAPIClient(app.Config.Server.Addr), nil
}

func (rc *RootCommand) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon state, frame count and last compile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := rc.client()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st server.Status) {
	fmt.Fprintf(w, "%s %s\n", bold("state:"), stateLabel(st.State))
	fmt.Fprintf(w, "frames: %d / %d in %s\n", st.Frames, st.Capacity, st.CaptureDir)
	if st.AssetPresent {
		fmt.Fprintf(w, "asset: %s\n", st.Asset)
	} else {
		fmt.Fprintf(w, "asset: %s\n", gray("none yet ("+st.Asset+")"))
	}
	if st.Compiling {
		fmt.Fprintln(w, yellow("compile in progress"))
	}
	if last := st.LastCompile; last != nil {
		outcome := green(last.ErrorKind)
		if last.Error != "" {
			outcome = red(last.ErrorKind + ": " + last.Error)
		}
		fmt.Fprintf(w, "last compile: %s at %s, %d encoded, %d skipped (%s)\n", outcome, last.EndedAt.Format(time.RFC3339), last.Encoded, last.Skipped, last.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "scheduler: %d ticks, %d admitted, %d failed, %d purges\n", st.Scheduler.Ticks, st.Scheduler.Admitted, st.Scheduler.Failed, st.Scheduler.Purged)
	if st.DefaultPassword {
		fmt.Fprintln(w, yellow("warning: the default unlock password is in effect; run `screenwatch passwd`"))
	}
}

func stateLabel(state string) string {
	switch state {
	case "idle":
		return green(state)
	case "authorized":
		return yellow(state)
	default:
		return red(state)
	}
}

func (rc *RootCommand) newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Suspend capture after verifying the unlock password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := rc.client()
			if err != nil {
				return err
			}
			secret, err := newSecretPrompter(rc.stdin, cmd.ErrOrStderr()).Read("Password: ")
			if err != nil {
				return err
			}
			ok, err := client.Unlock(cmd.Context(), secret)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("incorrect password")
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("unlocked: capture suspended until relock"))
			return nil
		},
	}
}

func (rc *RootCommand) newRelockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relock",
		Short: "Resume capture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := rc.client()
			if err != nil {
				return err
			}
			if err := client.Relock(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("locked: capture resumed"))
			return nil
		},
	}
}

func (rc *RootCommand) newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop capture and terminate the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := rc.client()
			if err != nil {
				return err
			}
			if err := client.Shutdown(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}
