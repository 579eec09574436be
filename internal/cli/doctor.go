package cli

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/internal/output"
	"go2tv.app/screenrecorder/internal/portal"
)

const portalProbeTimeout = 2 * time.Second

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())
			ok := true

			if path, err := exec.LookPath(deps.Config.FFmpegPath); err != nil {
				f.SetupCheck("ffmpeg", false, fmt.Sprintf("%q not found. Install ffmpeg or set ffmpeg_path", deps.Config.FFmpegPath))
				ok = false
			} else {
				f.SetupCheck("ffmpeg", true, path)
			}

			displays := capture.Displays()
			if len(displays) == 0 {
				f.SetupCheck("Displays", false, "no active display found")
				ok = false
			} else {
				f.SetupCheck("Displays", true, fmt.Sprintf("%d active, primary %dx%d", len(displays), displays[0].Dx(), displays[0].Dy()))
			}

			if runtime.GOOS == "linux" {
				checkPortal(cmd.Context(), f)
			}

			state, err := deps.App.Gate.Status(cmd.Context())
			if err != nil {
				f.SetupCheck("Library access", false, err.Error())
			} else {
				f.SetupCheck("Library access", true, state.String())
			}

			f.SetupCheck("Recordings directory", true, deps.Config.RecordingsDir)
			f.SetupCheck("Library directory", true, deps.App.Library.Dir())
			if deps.Config.Path != "" {
				f.SetupCheck("Config file", true, deps.Config.Path)
			}

			if ok {
				f.Success("\nAll prerequisites met. Ready to record!")
			} else {
				f.Warning("\nSome prerequisites are missing.")
			}
			return nil
		},
	}
}

// checkPortal reports the desktop ScreenCast portal. Its absence is not
// fatal since capture goes through ffmpeg.
func checkPortal(ctx context.Context, f *output.Formatter) {
	conn, err := portal.SessionBus()
	if err != nil {
		f.SetupCheck("Desktop portal", false, "session bus: "+err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(ctx, portalProbeTimeout)
	defer cancel()

	version, err := conn.ScreenCastVersion(ctx)
	if err != nil {
		f.SetupCheck("Desktop portal", false, "ScreenCast: "+err.Error())
		return
	}
	detail := fmt.Sprintf("ScreenCast v%d", version)
	if types, err := conn.ScreenCastSourceTypes(ctx); err == nil {
		detail += fmt.Sprintf(", source types 0x%x", types)
	}
	f.SetupCheck("Desktop portal", true, detail)
}
