//go:build unix

package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalAlive probes pid with the null signal. EPERM means the process
// exists but belongs to someone else.
func signalAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// terminate signals the process group led by pid, falling back to the
// process alone when it is not a group leader.
func terminate(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EPERM) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
