//go:build windows

package repl

import (
	"errors"
	"os/exec"
	"syscall"
)

func sysProcAttr(bool) *syscall.SysProcAttr {
	return nil
}

func startTerminal(*exec.Cmd) (*process, error) {
	return nil, errors.New("terminal mode is not supported on windows")
}
