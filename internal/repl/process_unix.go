//go:build !windows

package repl

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startTerminal attaches the child's stdin and stdout to a pseudo-terminal.
// Stderr stays a separate pipe so its lines can still be told apart.
func startTerminal(cmd *exec.Cmd) (*process, error) {
	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = errW

	ptmx, err := pty.StartWithAttrs(cmd, &pty.Winsize{Rows: 40, Cols: 120}, sysProcAttr(true))
	_ = errW.Close()
	if err != nil {
		_ = errR.Close()
		return nil, err
	}
	return newProcess(cmd, ptmx, ptmx, errR), nil
}
