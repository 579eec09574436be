package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept start/stop calls as JSON lines on stdin",
		Long: `Reads one JSON request per line from stdin and writes one response per line to stdout:

  {"id": 1, "method": "start", "options": {"width": 1280, "height": 720}}
  {"id": 1, "result": {}}
  {"id": 2, "method": "stop"}
  {"id": 2, "result": {"path": "/home/me/.local/share/screenrecorder/recordings/record_20261014_093000.mp4"}}

Rejected calls carry {"error": {"message", "code", "data"}}. stdin carries
requests only, so an undetermined library permission is never prompted for;
stop rejects with PERMISSION_DENIED and deniedPermanently false instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			deps.App.Gate.SetPrompter(nil)
			err := deps.App.Plugin.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
