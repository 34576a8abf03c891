package shepherd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/peterje/dbgmcp/internal/repl"
	"github.com/peterje/dbgmcp/internal/sessions"
)

// Frame types for the binary protocol.
const (
	frameRequest  byte = 0x01 // JSON Request, client to shepherd
	frameResponse byte = 0x02 // JSON Response, shepherd to client
)

// Command types for requests.
const (
	cmdPing    = "ping"
	cmdStart   = "start"
	cmdExecute = "execute"
	cmdWait    = "wait"
	cmdStop    = "stop"
	cmdList    = "list"
	cmdStopAll = "stop_all"
)

// Error kinds carried in responses, mapped back to sentinels by the client.
const (
	kindNotFound      = "not_found"
	kindSpawn         = "spawn"
	kindIO            = "io"
	kindTimedOut      = "timed_out"
	kindSessionClosed = "session_closed"
	kindCanceled      = "canceled"
	kindDeadline      = "deadline"
	kindBadRequest    = "bad_request"
)

// maxFrame bounds a single frame. Debugger output can be large but not this
// large.
const maxFrame = 10 * 1024 * 1024

// Request is sent on a fresh stream; exactly one Response follows.
type Request struct {
	ID      string `json:"id"`      // request correlation ID
	Command string `json:"command"` // cmdStart, cmdExecute, etc.

	SessionID string              `json:"session_id,omitempty"`
	Spec      *sessions.StartSpec `json:"spec,omitempty"`

	// Execute and wait fields
	Text    string        `json:"text,omitempty"`
	Pattern string        `json:"pattern,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID string `json:"id"`

	// Error response
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`

	Started  *sessions.StartResult `json:"started,omitempty"`
	Output   string                `json:"output,omitempty"`
	Sessions []sessions.Info       `json:"sessions,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][JSON payload]

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	length := uint32(1 + len(payload)) // frame type + payload
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write([]byte{frameType}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func writeMessage(w io.Writer, frameType byte, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameType, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrame {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// readMessage reads one frame of the wanted type into msg.
func readMessage(r io.Reader, want byte, msg any) error {
	frameType, payload, err := readFrame(r)
	if err != nil {
		return err
	}
	if frameType != want {
		return fmt.Errorf("unexpected frame type 0x%02x", frameType)
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		return kindNotFound
	case errors.Is(err, repl.ErrSpawn):
		return kindSpawn
	case errors.Is(err, repl.ErrTimedOut):
		return kindTimedOut
	case errors.Is(err, repl.ErrSessionClosed):
		return kindSessionClosed
	case errors.Is(err, repl.ErrIO):
		return kindIO
	case errors.Is(err, context.Canceled):
		return kindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return kindDeadline
	default:
		return ""
	}
}

// remoteError is an error reported by the shepherd. It matches the sentinel
// its kind names.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

func responseError(resp Response) error {
	if resp.Error == "" {
		return nil
	}
	var kind error
	switch resp.Kind {
	case kindNotFound:
		kind = sessions.ErrSessionNotFound
	case kindSpawn:
		kind = repl.ErrSpawn
	case kindTimedOut:
		kind = repl.ErrTimedOut
	case kindSessionClosed:
		kind = repl.ErrSessionClosed
	case kindIO:
		kind = repl.ErrIO
	case kindCanceled:
		kind = context.Canceled
	case kindDeadline:
		kind = context.DeadlineExceeded
	default:
		return errors.New(resp.Error)
	}
	return &remoteError{kind: kind, msg: resp.Error}
}
