//go:build unix

package launcher

import (
	"os/exec"
	"syscall"
)

// detach puts the server in its own process group so a stop signal reaches
// anything it spawns and terminal signals to the host do not.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
