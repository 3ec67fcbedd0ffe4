//go:build !windows

package oscmd

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func prepareTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree signals the negative pid so every member of the group dies, not just
// the shell we spawned.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
