package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go2tv.app/screenrecorder/internal/output"
	"go2tv.app/screenrecorder/library"
	"go2tv.app/screenrecorder/permission"
	"go2tv.app/screenrecorder/recorder"
)

const stopTimeout = 2 * time.Minute

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var (
		outputPath string
		width      int
		height     int
		noLibrary  bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record until interrupted",
		Long:  "Start recording the primary display. Press Ctrl+C (or send SIGTERM) to stop; the file is finalized and, unless --no-library is given, copied into your Videos library.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())

			opts := recorder.StartOptions{
				Width:      width,
				Height:     height,
				OutputPath: outputPath,
			}
			if noLibrary {
				save := false
				opts.SaveToLibrary = &save
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := deps.App.Recorder.Start(ctx, opts); err != nil {
				return err
			}
			started := time.Now()
			f.RecordingStarted()

			<-ctx.Done()
			stop()
			f.RecordingStopped(time.Since(started))

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), stopTimeout)
			defer cancel()
			artifact, err := deps.App.Recorder.Stop(stopCtx)
			if err != nil {
				reportStopError(f, err)
				return err
			}
			f.RecordingSaved(artifact.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default: timestamped file in the recordings directory)")
	cmd.Flags().IntVar(&width, "width", 0, "Output width (default: screen width)")
	cmd.Flags().IntVar(&height, "height", 0, "Output height (default: screen height)")
	cmd.Flags().BoolVar(&noLibrary, "no-library", false, "Do not copy the recording into the Videos library")

	return cmd
}

func reportStopError(f *output.Formatter, err error) {
	var (
		permErr    *permission.Error
		persistErr *library.PersistError
	)
	switch {
	case errors.As(err, &permErr) && permErr.DeniedPermanently:
		f.Warning("Library access is denied. Run 'screenrecorder permission grant' to allow it; the recording was kept in the recordings directory.")
	case errors.As(err, &permErr):
		f.Warning("Library access was not granted; the recording was kept in the recordings directory.")
	case errors.As(err, &persistErr):
		f.Warning("Copying into the library failed; the recording was kept at " + persistErr.Path)
	}
}
