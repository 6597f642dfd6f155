//go:build !windows

package daemon

import "syscall"

// sysProcAttr puts the spawned daemon in its own process group so terminal
// signals aimed at the parent never reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
