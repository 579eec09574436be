//go:build darwin

package capture

import (
	"image"
	"strconv"

	"github.com/kbinani/screenshot"
)

func displayAvailable() bool {
	return screenshot.NumActiveDisplays() > 0
}

// avfoundation has no system audio source without a loopback driver, so
// app audio is only captured when AppAudioDevice names one.
func platformGrab(opts FFmpegOptions, _ image.Rectangle) (grabPlan, error) {
	plan := grabPlan{
		video: []string{
			"-f", "avfoundation",
			"-framerate", strconv.Itoa(opts.FrameRate),
			"-capture_cursor", "1",
			"-i", "Capture screen 0:none",
		},
		micAudio: []string{"-f", "avfoundation", "-i", "none:" + orDefault(opts.MicAudioDevice, "default")},
	}
	if opts.AppAudioDevice != "" {
		plan.appAudio = []string{"-f", "avfoundation", "-i", "none:" + opts.AppAudioDevice}
	}
	return plan, nil
}
