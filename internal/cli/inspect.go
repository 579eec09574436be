package cli

import (
	"github.com/spf13/cobra"

	"go2tv.app/screenrecorder/internal/output"
	"go2tv.app/screenrecorder/mux"
)

func NewInspectCmd(_ *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the tracks of a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := mux.Inspect(args[0])
			if err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).Tracks(args[0], info)
			return nil
		},
	}
}
