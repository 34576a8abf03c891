package repl

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by a Session operation matches exactly one
// of these with errors.Is.
var (
	// ErrSpawn indicates the program could not be found or executed.
	ErrSpawn = errors.New("repl: cannot spawn program")

	// ErrIO indicates a broken pipe or a process that died unexpectedly.
	ErrIO = errors.New("repl: i/o failure")

	// ErrTimedOut indicates no output at all arrived before the deadline.
	ErrTimedOut = errors.New("repl: timed out waiting for output")

	// ErrSessionClosed indicates an operation on a terminated session.
	ErrSessionClosed = errors.New("repl: session closed")
)

// ErrProcessExited is wrapped inside ErrIO errors when the child is known to
// have exited before the operation ran.
var ErrProcessExited = errors.New("process already exited")

// Error describes a failed Session operation.
//
// Kind is one of the sentinel errors above (or a context error when the
// caller's context ended). Err carries the underlying cause, usually an OS
// error, and may be nil.
type Error struct {
	Op      string
	Session string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Session != "" {
		b.WriteString(" ")
		b.WriteString(e.Session)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
