//go:build unix

package shell

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup places the script in its own process group so that
// cancellation reaches every process it spawned, not only the shell.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}

// killProcessGroup sends SIGKILL to whatever is left of the script's process
// group. It reports whether any process was still there to receive it.
func killProcessGroup(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return false
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) == nil
}
