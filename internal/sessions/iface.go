package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound indicates an unknown (or already removed) session id.
var ErrSessionNotFound = errors.New("session not found")

// StartSpec describes a session to create. It is also the shepherd's wire
// format for start requests.
type StartSpec struct {
	// Prefix names the id family, usually the flavor ("gdb" → "gdb-7").
	Prefix      string        `json:"prefix,omitempty"`
	Program     string        `json:"program"`
	Args        []string      `json:"args,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	QuitCommand string        `json:"quit_command,omitempty"`
	WaitFor     string        `json:"wait_for,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Dir         string        `json:"dir,omitempty"`
	Env         []string      `json:"env,omitempty"`
	Terminal    bool          `json:"terminal,omitempty"`

	// SkipBanner starts the session without waiting for the first prompt.
	SkipBanner bool `json:"skip_banner,omitempty"`
}

// StartResult is what a successful Start returns.
type StartResult struct {
	ID     string `json:"id"`
	Banner string `json:"banner"`
	PID    int    `json:"pid"`
}

// Info describes a live session.
type Info struct {
	ID        string    `json:"id"`
	Program   string    `json:"program"`
	Args      []string  `json:"args,omitempty"`
	Prompt    string    `json:"prompt"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager manages debugger session lifecycles. The in-process Registry and
// the shepherd client both implement it.
type Manager interface {
	Start(ctx context.Context, spec StartSpec) (StartResult, error)
	// Execute sends command and returns the response up to the next prompt.
	Execute(ctx context.Context, id, command string) (string, error)
	// Wait reads until pattern and the prompt appear, or timeout elapses.
	Wait(ctx context.Context, id, pattern string, timeout time.Duration) (string, error)
	Stop(ctx context.Context, id string) error
	List() []Info
	StopAll(ctx context.Context)
}

// Observer is told about session activity. The history store implements it.
type Observer interface {
	SessionStarted(info Info, banner string)
	CommandExecuted(id, kind, input, output string, err error)
	SessionStopped(id string, err error)
}

// Activity kinds reported to Observer.CommandExecuted.
const (
	KindCommand = "command"
	KindWait    = "wait"
)
