//go:build unix

package report

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the child in its own process group and makes
// context cancellation kill the whole group, so helpers the script forks
// do not outlive it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
