//go:build linux

package repl

import "syscall"

// The kernel kills the child when the parent dies, so a crashed server never
// leaves debuggers behind.
func sysProcAttr(terminal bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid:    terminal,
		Setctty:   terminal,
		Pdeathsig: syscall.SIGKILL,
	}
}
