package repl

import (
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultPrompt      = ">"
	DefaultQuitCommand = "quit"

	// DefaultTimeout bounds ReadResponse and the response wait of
	// ExecuteCommand.
	DefaultTimeout = 10 * time.Second

	// DefaultTerminateTimeout bounds how long Terminate waits for the child
	// to exit after the quit command.
	DefaultTerminateTimeout = 10 * time.Second
)

// Builder accumulates the configuration of an interactive program and spawns
// it as a Session. The mutators only record values; nothing runs until Spawn.
type Builder struct {
	program          string
	args             []string
	prompt           string
	quitCommand      string
	dir              string
	env              []string
	label            string
	terminal         bool
	timeout          time.Duration
	terminateTimeout time.Duration
	log              logr.Logger
}

// New creates a Builder for program with no prompt or quit command set.
func New(program string) *Builder {
	return &Builder{
		program: program,
		log:     logr.Discard(),
	}
}

// Args appends arguments passed to the program.
func (b *Builder) Args(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Prompt sets the marker the program prints when it is ready for the next
// command, for example "(gdb)". An empty prompt means the default ">".
func (b *Builder) Prompt(prompt string) *Builder {
	b.prompt = prompt
	return b
}

// QuitCommand sets the command Terminate sends. The default is "quit".
func (b *Builder) QuitCommand(cmd string) *Builder {
	b.quitCommand = cmd
	return b
}

// Dir sets the working directory of the program.
func (b *Builder) Dir(dir string) *Builder {
	b.dir = dir
	return b
}

// Env sets extra KEY=VALUE pairs appended to the current environment.
func (b *Builder) Env(env ...string) *Builder {
	b.env = append(b.env, env...)
	return b
}

// Label names the session in errors and log lines, usually its registry id.
func (b *Builder) Label(label string) *Builder {
	b.label = label
	return b
}

// Terminal runs the program on a pseudo-terminal instead of plain pipes.
// Programs that buffer their output when it is not a terminal need this.
// Stderr is still read separately.
func (b *Builder) Terminal(on bool) *Builder {
	b.terminal = on
	return b
}

// Timeout overrides DefaultTimeout for ReadResponse and ExecuteCommand.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// TerminateTimeout overrides DefaultTerminateTimeout.
func (b *Builder) TerminateTimeout(d time.Duration) *Builder {
	b.terminateTimeout = d
	return b
}

// Logger sets the logger for session events; the default discards them.
func (b *Builder) Logger(log logr.Logger) *Builder {
	b.log = log
	return b
}

// Spawn starts the program and returns the live session.
//
// If the returned Session is dropped without Terminate or Close, the child is
// killed once the Session is garbage collected.
func (b *Builder) Spawn() (*Session, error) {
	cmd := exec.Command(b.program, b.args...)
	cmd.Dir = b.dir
	cmd.Env = append(os.Environ(), b.env...)

	proc, err := startProcess(cmd, b.terminal)
	if err != nil {
		return nil, &Error{Op: opSpawn, Session: b.label, Kind: ErrSpawn, Err: err}
	}

	s := &Session{
		label:            b.label,
		prompt:           valueOr(b.prompt, DefaultPrompt),
		quitCommand:      valueOr(b.quitCommand, DefaultQuitCommand),
		timeout:          durationOr(b.timeout, DefaultTimeout),
		terminateTimeout: durationOr(b.terminateTimeout, DefaultTerminateTimeout),
		proc:             proc,
		lock:             make(chan struct{}, 1),
		log:              b.log,
	}
	s.state.Store(int32(StateSpawned))

	runtime.AddCleanup(s, func(p *process) { p.close() }, proc)

	s.log.V(1).Info("spawned", "program", b.program, "args", b.args, "pid", proc.pid(), "terminal", b.terminal)
	return s, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
