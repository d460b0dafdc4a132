package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/screenwatch/pkg/settings"
)

func (rc *RootCommand) newPasswdCommand() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the unlock password",
		Long: "Prompts for the current password, the new password and a confirmation.\n" +
			"With --offline the settings file is updated directly; use this while the\n" +
			"daemon is stopped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := rc.ensureAppContext()
			if err != nil {
				return err
			}
			prompt := newSecretPrompter(rc.stdin, cmd.ErrOrStderr())
			old, err := prompt.Read("Current password: ")
			if err != nil {
				return err
			}
			next, err := prompt.Read("New password: ")
			if err != nil {
				return err
			}
			confirm, err := prompt.Read("Confirm new password: ")
			if err != nil {
				return err
			}

			if offline {
				store, err := settings.Open(app.Config.Paths.SettingsFile)
				if err != nil {
					return err
				}
				if err := store.Update(old, next, confirm); err != nil {
					return passwordError(err)
				}
				app.Logger.Info("unlock password changed", "settings", store.Path())
			} else {
				err := newAPIClient(app.Config.Server.Addr).ChangePassword(cmd.Context(), old, next, confirm)
				if isWrongPassword(err) {
					return passwordError(settings.ErrWrongPassword)
				}
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("password changed"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Update the settings file directly instead of asking the daemon")
	return cmd
}

func passwordError(err error) error {
	if errors.Is(err, settings.ErrWrongPassword) {
		return fmt.Errorf("%w; password unchanged", err)
	}
	return err
}
