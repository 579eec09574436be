package output

import (
	"fmt"
	"io"
	"time"

	"go2tv.app/screenrecorder/mux"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) RecordingStarted() {
	fmt.Fprintf(f.w, "● Recording. Press Ctrl+C to stop.\n")
}

func (f *Formatter) RecordingStopped(duration time.Duration) {
	fmt.Fprintf(f.w, "■ Recording stopped (%s)\n", formatDuration(duration))
}

func (f *Formatter) RecordingSaved(path string) {
	fmt.Fprintf(f.w, "✓ Saved: %s\n", path)
}

func (f *Formatter) Tracks(path string, info *mux.Info) {
	fmt.Fprintf(f.w, "%s (%s)\n", path, formatDuration(info.Duration))
	for _, t := range info.Tracks {
		fmt.Fprintf(f.w, "  #%d %-5s %s  %d samples  %s", t.ID, t.Kind, t.Codec, t.SampleCount, formatDuration(t.Duration))
		if t.StartOffset > 0 {
			fmt.Fprintf(f.w, "  starts at +%s", t.StartOffset)
		}
		fmt.Fprintln(f.w)
	}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "✗ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✓ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "! %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✓ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ✗ %s: %s\n", name, detail)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
