//go:build windows

package capture

import (
	"image"
	"strconv"

	"github.com/kbinani/screenshot"
)

func displayAvailable() bool {
	return screenshot.NumActiveDisplays() > 0
}

// dshow devices have no portable default name; audio is only captured for
// the devices configured explicitly.
func platformGrab(opts FFmpegOptions, _ image.Rectangle) (grabPlan, error) {
	plan := grabPlan{
		video: []string{
			"-f", "gdigrab",
			"-framerate", strconv.Itoa(opts.FrameRate),
			"-draw_mouse", "1",
			"-i", "desktop",
		},
	}
	if opts.AppAudioDevice != "" {
		plan.appAudio = []string{"-f", "dshow", "-i", "audio=" + opts.AppAudioDevice}
	}
	if opts.MicAudioDevice != "" {
		plan.micAudio = []string{"-f", "dshow", "-i", "audio=" + opts.MicAudioDevice}
	}
	return plan, nil
}
