//go:build linux

package capture

import (
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/kbinani/screenshot"
)

func displayAvailable() bool {
	return strings.TrimSpace(os.Getenv("DISPLAY")) != "" && screenshot.NumActiveDisplays() > 0
}

func platformGrab(opts FFmpegOptions, bounds image.Rectangle) (grabPlan, error) {
	display := strings.TrimSpace(os.Getenv("DISPLAY"))
	if display == "" {
		return grabPlan{}, fmt.Errorf("%w: DISPLAY is not set", ErrNotAvailable)
	}

	plan := grabPlan{
		video: []string{
			"-f", "x11grab",
			"-framerate", strconv.Itoa(opts.FrameRate),
			"-draw_mouse", "1",
			"-video_size", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
			"-i", fmt.Sprintf("%s+%d,%d", display, bounds.Min.X, bounds.Min.Y),
		},
		appAudio: []string{"-f", "pulse", "-i", orDefault(opts.AppAudioDevice, "@DEFAULT_MONITOR@")},
		micAudio: []string{"-f", "pulse", "-i", orDefault(opts.MicAudioDevice, "default")},
	}
	return plan, nil
}
