package repl

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/smallnest/chanx"
)

type stream uint8

const (
	streamStdout stream = iota
	streamStderr
)

// chunk is one read's worth of bytes from a child stream.
type chunk struct {
	stream stream
	data   []byte
}

const readBufSize = 32 * 1024

// process owns one child process and the parent's ends of its standard
// streams. Two pump goroutines move everything the child writes into a single
// unbounded queue, so nothing is dropped while no read is in progress.
type process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	queue *chanx.UnboundedChan[chunk]

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func startProcess(cmd *exec.Cmd, terminal bool) (*process, error) {
	if terminal {
		return startTerminal(cmd)
	}
	return startPiped(cmd)
}

func startPiped(cmd *exec.Cmd) (*process, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = sysProcAttr(false)

	err = cmd.Start()
	// The child holds its own copies now.
	closeFiles(inR, outW, errW)
	if err != nil {
		closeFiles(inW, outR, errR)
		return nil, err
	}
	return newProcess(cmd, inW, outR, errR), nil
}

func newProcess(cmd *exec.Cmd, stdin, stdout, stderr *os.File) *process {
	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		queue:  chanx.NewUnboundedChan[chunk](context.Background(), 16),
		exited: make(chan struct{}),
	}

	go func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(&wg, streamStdout, stdout)
	go p.pump(&wg, streamStderr, stderr)
	go func() {
		wg.Wait()
		close(p.queue.In)
	}()

	return p
}

func (p *process) pump(wg *sync.WaitGroup, s stream, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.queue.In <- chunk{stream: s, data: data}
		}
		if err != nil {
			return
		}
	}
}

func (p *process) write(ctx context.Context, b []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.stdin.SetWriteDeadline(deadline)
		defer func() { _ = p.stdin.SetWriteDeadline(time.Time{}) }()
	}
	_, err := p.stdin.Write(b)
	return err
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// close kills the child if it is still running, reaps it and releases the
// parent's stream ends. Safe to call more than once.
func (p *process) close() {
	p.closeOnce.Do(func() {
		if !p.hasExited() && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.exited
		_ = p.stdin.Close()
		if p.stdout != p.stdin {
			_ = p.stdout.Close()
		}
		_ = p.stderr.Close()
	})
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
