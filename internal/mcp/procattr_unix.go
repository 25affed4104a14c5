//go:build unix

package mcp

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in its own session/process group so
// terminal signals to the parent do not cascade into tool servers.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole group, then the process itself as a
// fallback when the group kill fails.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
