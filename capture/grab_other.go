//go:build !linux && !darwin && !windows

package capture

import (
	"fmt"
	"image"
	"runtime"
)

func displayAvailable() bool {
	return false
}

func platformGrab(FFmpegOptions, image.Rectangle) (grabPlan, error) {
	return grabPlan{}, fmt.Errorf("%w: no screen grabber for %s", ErrNotAvailable, runtime.GOOS)
}
