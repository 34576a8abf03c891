//go:build !linux && !windows

package repl

import "syscall"

func sysProcAttr(terminal bool) *syscall.SysProcAttr {
	if !terminal {
		return nil
	}
	return &syscall.SysProcAttr{Setsid: true, Setctty: true}
}
