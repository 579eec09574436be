package cli

import (
	"github.com/spf13/cobra"

	"go2tv.app/screenrecorder/config"
	"go2tv.app/screenrecorder/internal/app"
	"go2tv.app/screenrecorder/internal/version"
)

type Dependencies struct {
	App    *app.App
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "screenrecorder",
		Short:         "Record the screen to MP4",
		Long:          "Records the primary display with application and microphone audio into an MP4 file and saves it to your Videos library.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewInspectCmd(deps))
	rootCmd.AddCommand(NewPermissionCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewServeCmd(deps))

	return rootCmd
}
