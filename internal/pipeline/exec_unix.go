//go:build !windows

package pipeline

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr gives the build its own process group so a timeout
// kill reaches compilers and scripts the build command forked.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup hard-kills the entire process group rooted at pid.
func killProcessGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
