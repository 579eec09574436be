//go:build windows

package processutil

import (
	"os/exec"
	"syscall"
)

// HideConsoleWindow keeps a console window from flashing up when the recorder
// spawns ffmpeg from a GUI host on Windows.
func HideConsoleWindow(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}
