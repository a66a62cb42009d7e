//go:build windows

package pipeline

import (
	"os/exec"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE = 0x0001

	CREATE_NEW_PROCESS_GROUP = 0x00000200
)

// configureSysProcAttr creates a new process group for the build command.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

// killProcessGroup terminates the root build process. Windows has no direct
// group-kill; terminating the root is the closest equivalent.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	ret, _, _ := procOpenProcess.Call(uintptr(PROCESS_TERMINATE), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return
	}
	handle := syscall.Handle(ret)
	_, _, _ = procTerminateProcess.Call(uintptr(handle), uintptr(1))
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}
