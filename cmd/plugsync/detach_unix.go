//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so it survives the parent
// exiting and any SIGHUP sent to the hook's process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
