package cli

import (
	"github.com/spf13/cobra"

	"go2tv.app/screenrecorder/internal/output"
	"go2tv.app/screenrecorder/permission"
)

func NewPermissionCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Show or change Videos library access",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := deps.App.Gate.Status(cmd.Context())
			if err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).Info("Library access: " + state.String())
			return nil
		},
	})
	cmd.AddCommand(setPermissionCmd(deps, "grant", "Allow saving recordings to the library", permission.Authorized))
	cmd.AddCommand(setPermissionCmd(deps, "deny", "Refuse saving recordings to the library", permission.Denied))
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Forget the decision so the next recording asks again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.App.Store.Reset(cmd.Context()); err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).Success("Library access reset")
			return nil
		},
	})

	return cmd
}

func setPermissionCmd(deps *Dependencies, use, short string, state permission.State) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.App.Store.Save(cmd.Context(), state); err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).Success("Library access: " + state.String())
			return nil
		},
	}
}
