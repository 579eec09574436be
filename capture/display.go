package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// ScreenSize returns the primary display size rounded down to even values.
func ScreenSize() (int, int, error) {
	bounds, err := primaryDisplayBounds()
	if err != nil {
		return 0, 0, err
	}
	w, h := EvenSize(bounds.Dx(), bounds.Dy())
	return w, h, nil
}

// Displays lists the bounds of every active display.
func Displays() []image.Rectangle {
	n := screenshot.NumActiveDisplays()
	out := make([]image.Rectangle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, screenshot.GetDisplayBounds(i))
	}
	return out
}

func primaryDisplayBounds() (image.Rectangle, error) {
	if screenshot.NumActiveDisplays() < 1 {
		return image.Rectangle{}, fmt.Errorf("%w: no active display", ErrNotAvailable)
	}
	bounds := screenshot.GetDisplayBounds(0)
	if bounds.Dx() < 2 || bounds.Dy() < 2 {
		return image.Rectangle{}, fmt.Errorf("%w: primary display reports %v", ErrNotAvailable, bounds)
	}
	return bounds, nil
}
