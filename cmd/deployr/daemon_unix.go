//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs sets Unix-specific daemon attributes
func configureDaemonAttrs(cmd *exec.Cmd) {
	// Detach into a new session so the daemon survives the terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
