package repl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// StderrMarker prefixes every line that came from the program's stderr.
const StderrMarker = "[stderr] "

// DrainTimeout is how long ExecuteCommand waits for output that is already
// pending before and after a command.
const DrainTimeout = time.Millisecond

const (
	opSpawn     = "spawn"
	opSend      = "send"
	opRead      = "read"
	opExecute   = "execute"
	opTerminate = "terminate"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateSpawned State = iota
	StateIdle
	StateAwaitingPrompt
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateIdle:
		return "idle"
	case StateAwaitingPrompt:
		return "awaiting_prompt"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is a running interactive program driven through its standard
// streams. Use Builder.Spawn to create one.
//
// A Session runs one operation at a time; concurrent callers queue on an
// internal lock and give up when their context ends.
type Session struct {
	label            string
	prompt           string
	quitCommand      string
	timeout          time.Duration
	terminateTimeout time.Duration

	proc *process
	lock chan struct{}
	log  logr.Logger

	state atomic.Int32

	// Guarded by lock.
	pending       []chunk
	carry         string
	stderrMidLine bool
}

func (s *Session) Label() string       { return s.label }
func (s *Session) Prompt() string      { return s.prompt }
func (s *Session) QuitCommand() string { return s.quitCommand }
func (s *Session) Pid() int            { return s.proc.pid() }
func (s *Session) State() State        { return State(s.state.Load()) }

// Exited is closed once the child process has exited.
func (s *Session) Exited() <-chan struct{} {
	return s.proc.exited
}

// SendCommand writes text followed by a newline to the program's stdin.
func (s *Session) SendCommand(ctx context.Context, text string) error {
	if err := s.acquire(ctx, opSend); err != nil {
		return err
	}
	defer s.release()
	return s.send(ctx, opSend, text)
}

// ReadResponseUntil collects output until the prompt appears, and pattern as
// well when it is not empty.
//
// When timeout elapses with some output collected, that output is returned
// without error: the program is still busy and the caller may read again.
// When nothing was collected, the error matches ErrTimedOut.
func (s *Session) ReadResponseUntil(ctx context.Context, pattern string, timeout time.Duration) (string, error) {
	if err := s.acquire(ctx, opRead); err != nil {
		return "", err
	}
	defer s.release()
	return s.readUntil(ctx, opRead, pattern, timeout)
}

// ReadResponse reads until the next prompt with the session's default timeout.
func (s *Session) ReadResponse(ctx context.Context) (string, error) {
	return s.ReadResponseUntil(ctx, "", s.timeout)
}

// ExecuteCommand sends text and returns everything up to the next prompt.
//
// Output that was already pending before the command (asynchronous
// notifications such as a breakpoint hit) and output that trails the prompt
// are drained with DrainTimeout and included in the result.
func (s *Session) ExecuteCommand(ctx context.Context, text string) (string, error) {
	if err := s.acquire(ctx, opExecute); err != nil {
		return "", err
	}
	defer s.release()

	var out strings.Builder
	if err := s.drain(ctx, &out); err != nil {
		return "", s.keep(out.String(), err)
	}
	if err := s.send(ctx, opExecute, text); err != nil {
		return "", s.keep(out.String(), err)
	}
	resp, err := s.readUntil(ctx, opExecute, "", s.timeout)
	if err != nil {
		return "", s.keep(out.String(), err)
	}
	out.WriteString(resp)
	if err := s.drain(ctx, &out); err != nil {
		return "", s.keep(out.String(), err)
	}
	return out.String(), nil
}

// keep stores output collected by a failed call so the next read returns it.
func (s *Session) keep(collected string, err error) error {
	s.carry = collected + s.carry
	return err
}

// Terminate sends the quit command and waits for the program to exit. The
// child is killed if it does not exit in time, or if ctx ends while another
// operation still holds the session. Whatever the outcome, the session is
// closed afterwards.
func (s *Session) Terminate(ctx context.Context) error {
	if err := s.acquire(ctx, opTerminate); err != nil {
		s.Close()
		return err
	}
	defer s.release()
	s.state.Store(int32(StateTerminated))
	defer s.proc.close()

	if err := s.writeLine(ctx, s.quitCommand); err != nil {
		return s.ioError(opTerminate, err)
	}

	timer := time.NewTimer(s.terminateTimeout)
	defer timer.Stop()
	select {
	case <-s.proc.exited:
		s.log.V(1).Info("terminated", "exit", s.proc.waitErr)
		return nil
	case <-timer.C:
		return &Error{Op: opTerminate, Session: s.label, Kind: ErrIO,
			Err: fmt.Errorf("process did not exit within %s after %q", s.terminateTimeout, s.quitCommand)}
	case <-ctx.Done():
		return &Error{Op: opTerminate, Session: s.label, Kind: ErrIO, Err: ctx.Err()}
	}
}

// Close kills the program without sending the quit command. It is a no-op on
// a session that is already terminated.
func (s *Session) Close() {
	s.state.Store(int32(StateTerminated))
	s.proc.close()
}

// setState moves the session to st unless it is already terminated.
func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateTerminated || s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

func (s *Session) acquire(ctx context.Context, op string) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return &Error{Op: op, Session: s.label, Kind: ctx.Err()}
	}
	if s.State() == StateTerminated {
		<-s.lock
		return &Error{Op: op, Session: s.label, Kind: ErrSessionClosed}
	}
	return nil
}

func (s *Session) release() {
	<-s.lock
}

func (s *Session) send(ctx context.Context, op, text string) error {
	if err := s.writeLine(ctx, text); err != nil {
		return s.ioError(op, err)
	}
	s.setState(StateAwaitingPrompt)
	s.log.V(1).Info("sent", "command", text)
	return nil
}

func (s *Session) writeLine(ctx context.Context, text string) error {
	if s.proc.hasExited() {
		return ErrProcessExited
	}
	return s.proc.write(ctx, []byte(text+"\n"))
}

func (s *Session) ioError(op string, err error) error {
	if s.proc.hasExited() && !errors.Is(err, ErrProcessExited) {
		err = fmt.Errorf("%w: %w", ErrProcessExited, err)
	}
	return &Error{Op: op, Session: s.label, Kind: ErrIO, Err: err}
}

// drain appends output that arrives within DrainTimeout. Having nothing
// pending is not an error.
func (s *Session) drain(ctx context.Context, out *strings.Builder) error {
	resp, err := s.readUntil(ctx, opExecute, "", DrainTimeout)
	if err != nil && !errors.Is(err, ErrTimedOut) {
		return err
	}
	out.WriteString(resp)
	return nil
}

// readUntil is the read loop shared by every operation. The caller holds the
// lock.
//
// Output is consumed line by line so that text following a completing prompt
// stays queued for the next read. A closed stream makes no progress; the loop
// then only waits for the deadline.
func (s *Session) readUntil(ctx context.Context, op, pattern string, timeout time.Duration) (string, error) {
	defer s.setState(StateIdle)

	var acc strings.Builder
	acc.WriteString(s.carry)
	s.carry = ""
	if acc.Len() > 0 && s.complete(acc.String(), pattern) {
		return acc.String(), nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	out := s.proc.queue.Out
	for {
		var c chunk
		if len(s.pending) > 0 {
			c = s.pending[0]
			s.pending = s.pending[1:]
		} else {
			select {
			case next, ok := <-out:
				if !ok {
					out = nil
					continue
				}
				c = next
			case <-deadline.C:
				if acc.Len() == 0 {
					return "", &Error{Op: op, Session: s.label, Kind: ErrTimedOut,
						Err: fmt.Errorf("no output within %s", timeout)}
				}
				return acc.String(), nil
			case <-ctx.Done():
				// Keep what was collected for the next read.
				s.carry = acc.String()
				return "", &Error{Op: op, Session: s.label, Kind: ctx.Err()}
			}
		}

		data := c.data
		for len(data) > 0 {
			var line []byte
			line, data = cutLine(data)
			s.appendLine(&acc, c.stream, line)
			if s.complete(acc.String(), pattern) {
				if len(data) > 0 {
					s.pending = append([]chunk{{stream: c.stream, data: data}}, s.pending...)
				}
				return acc.String(), nil
			}
		}
	}
}

func (s *Session) appendLine(acc *strings.Builder, from stream, line []byte) {
	switch from {
	case streamStderr:
		if !s.stderrMidLine {
			acc.WriteString(StderrMarker)
		}
		s.stderrMidLine = line[len(line)-1] != '\n'
	default:
		// The rest of a split stderr line is marked again after stdout.
		s.stderrMidLine = false
	}
	acc.Write(line)
}

func (s *Session) complete(acc, pattern string) bool {
	if !strings.Contains(acc, s.prompt) {
		return false
	}
	return pattern == "" || strings.Contains(acc, pattern)
}

// cutLine splits b after its first newline. Without a newline the whole of b
// is returned as the line.
func cutLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b, nil
	}
	return b[:i+1], b[i+1:]
}
